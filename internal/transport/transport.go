// Package transport executes the raw HTTP POST requests against the Solar-Log.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds every single request.
const DefaultTimeout = 10 * time.Second

// Paths under the device base URL.
const (
	PathQuery = "getjp"
	PathLogin = "login"
)

// ContentTypeQuery is sent with every request, login included.
const ContentTypeQuery = "text/html"

// Request is one POST against the device.
type Request struct {
	Path        string
	Body        string
	ContentType string
	Header      http.Header
}

// Response is the raw device reply.
type Response struct {
	Status  int
	Header  http.Header
	Body    string
	Cookies []*http.Cookie
}

// Cookie returns the value of the named response cookie, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Sender is the capability the rest of the client needs from the transport.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Transport posts requests to one device base URL.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	owned      bool
	closed     bool
	logger     zerolog.Logger
}

// New creates a transport that owns its HTTP client. Close releases its idle connections.
func New(baseURL string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := newTransport(baseURL, &http.Client{Timeout: timeout}, timeout)
	t.owned = true
	return t
}

// NewWithClient creates a transport on a caller-supplied HTTP client. Close leaves it open.
func NewWithClient(baseURL string, client *http.Client, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return newTransport(baseURL, client, timeout)
}

func newTransport(baseURL string, client *http.Client, timeout time.Duration) *Transport {
	return &Transport{
		baseURL:    NormalizeBaseURL(baseURL),
		httpClient: client,
		timeout:    timeout,
		logger:     log.With().Str("component", "transport").Logger(),
	}
}

// NormalizeBaseURL adds a scheme to bare hosts and strips trailing slashes.
func NormalizeBaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host != "" && !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host
}

// BaseURL returns the device base URL.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Send posts the request body to the given path. Transport failures and timeouts
// are returned as connection errors; the response is returned for every status code.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	if t.closed {
		return nil, domain.NewConnectionError("transport is closed", nil)
	}

	url := fmt.Sprintf("%s/%s", t.baseURL, req.Path)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(req.Body))
	if err != nil {
		return nil, domain.NewConnectionError("failed to create request", err)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentTypeQuery
	}
	httpReq.Header.Set("Content-Type", contentType)
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, domain.NewConnectionError(
				fmt.Sprintf("timeout occurred while connecting to Solar-Log at %s", t.baseURL), err)
		}
		return nil, domain.NewConnectionError(
			fmt.Sprintf("failed to connect to Solar-Log at %s", t.baseURL), err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewConnectionError("failed to read response body", err)
	}

	t.logger.Debug().
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("HTTP request completed")

	return &Response{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    string(body),
		Cookies: resp.Cookies(),
	}, nil
}

// Close releases idle connections when the transport owns its client.
// It is a no-op for borrowed clients.
func (t *Transport) Close() error {
	if !t.owned || t.closed {
		return nil
	}
	t.httpClient.CloseIdleConnections()
	t.closed = true
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Package session implements the Solar-Log login handshake and holds the session token.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/parser"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/resident-x/go-solarlog/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State represents the authentication state of the session.
type State int

const (
	StateNoPassword State = iota
	StateAttempting
	StateSaltChallenge
	StateAuthenticated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNoPassword:
		return "no_password"
	case StateAttempting:
		return "attempting"
	case StateSaltChallenge:
		return "salt_challenge"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

const (
	// CookieName is the session cookie set by a successful login.
	CookieName = "SolarLog"
	// CSRFHeader is sent together with the session cookie.
	CSRFHeader = "X-SL-CSRF-PROTECTION"

	loginUser = "user"
)

// Manager owns the authentication state of one device session.
type Manager struct {
	sender   transport.Sender
	parser   *parser.Parser
	password string
	token    string
	state    State
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

// NewManager creates a session manager. An empty password starts in StateNoPassword.
func NewManager(sender transport.Sender, password string) *Manager {
	state := StateAttempting
	if password == "" {
		state = StateNoPassword
	}
	return &Manager{
		sender:   sender,
		parser:   parser.NewParser(),
		password: password,
		state:    state,
		logger:   log.With().Str("component", "session").Logger(),
	}
}

// Login runs the login handshake. It returns false without error when no
// password is configured or the device does not require one. An
// authentication error is returned only after the salted retry was rejected
// or no salt could be obtained.
func (m *Manager) Login(ctx context.Context) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	// A failed attempt must not leave the previous session attached.
	m.token = ""

	if m.password == "" {
		m.state = StateNoPassword
		return false, nil
	}

	m.state = StateAttempting
	resp, err := m.submit(ctx, m.password)
	if err != nil {
		return false, err
	}

	switch {
	case strings.Contains(resp.Body, protocol.SentinelUserWrong):
		m.logger.Info().Msg("Device does not require a password")
		m.password = ""
		m.state = StateNoPassword
		return false, nil
	case strings.Contains(resp.Body, protocol.SentinelPasswordWrong):
		m.logger.Debug().Msg("Plain password rejected, requesting salt")
		m.state = StateSaltChallenge
		return m.loginWithSalt(ctx)
	}

	return m.authenticate(resp)
}

func (m *Manager) loginWithSalt(ctx context.Context) (bool, error) {
	salt, err := m.fetchSalt(ctx)
	if err != nil {
		return false, err
	}

	hashed, err := HashPassword(m.password, salt)
	if err != nil {
		return false, &domain.Error{
			Kind: domain.KindAuthentication,
			Msg:  "cannot hash password with device salt",
			Err:  err,
		}
	}

	resp, err := m.submit(ctx, hashed)
	if err != nil {
		return false, err
	}
	if strings.Contains(resp.Body, protocol.SentinelPasswordWrong) {
		return false, domain.NewAuthenticationError("password rejected after salted retry")
	}

	ok, err := m.authenticate(resp)
	if err != nil {
		return false, err
	}

	// From now on the device only accepts the hashed form.
	m.password = hashed
	return ok, nil
}

func (m *Manager) fetchSalt(ctx context.Context) (string, error) {
	query := protocol.SaltQuery()
	resp, err := m.sender.Send(ctx, transport.Request{Path: transport.PathQuery, Body: query.Payload})
	if err != nil {
		return "", err
	}

	data, err := protocol.Classify(resp, query)
	if err != nil {
		return "", err
	}

	salt, ok := m.parser.Salt(data)
	if !ok {
		return "", domain.NewAuthenticationError("password rejected and device offered no salt")
	}
	return salt, nil
}

func (m *Manager) submit(ctx context.Context, password string) (*transport.Response, error) {
	resp, err := m.sender.Send(ctx, transport.Request{
		Path: transport.PathLogin,
		Body: fmt.Sprintf("u=%s&p=%s", loginUser, password),
	})
	if err != nil {
		return nil, err
	}

	if resp.Status != http.StatusOK {
		return nil, &domain.Error{
			Kind:   domain.KindUpdate,
			Msg:    fmt.Sprintf("the server responded with error code %d to the login request", resp.Status),
			Status: resp.Status,
			Header: resp.Header,
			Body:   resp.Body,
		}
	}
	return resp, nil
}

func (m *Manager) authenticate(resp *transport.Response) (bool, error) {
	token := resp.Cookie(CookieName)
	if token == "" {
		return false, &domain.Error{
			Kind:   domain.KindUpdate,
			Msg:    "login response carries no session cookie",
			Status: resp.Status,
			Body:   resp.Body,
		}
	}

	m.token = token
	m.state = StateAuthenticated
	m.logger.Info().Msg("Login successful")
	return true, nil
}

// Authorize attaches the session cookie, the CSRF header and the body token
// to a query request. Requests pass unchanged while no token is held.
func (m *Manager) Authorize(req *transport.Request) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.token == "" {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Cookie", CookieName+"="+m.token)
	req.Header.Set(CSRFHeader, "1")
	req.Body = "token=" + m.token + "; " + req.Body
}

// State returns the current authentication state.
func (m *Manager) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// Token returns the session token, or "" before a successful login.
func (m *Manager) Token() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.token
}

// Password returns the password in the form the device currently accepts.
func (m *Manager) Password() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.password
}

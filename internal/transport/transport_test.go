package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.20", "http://192.168.1.20"},
		{"http://solarlog.local/", "http://solarlog.local"},
		{"https://solarlog.local", "https://solarlog.local"},
		{"  solarlog  ", "http://solarlog"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeBaseURL(tt.in), tt.in)
	}
}

func TestSend(t *testing.T) {
	var gotPath, gotBody, gotContentType, gotCSRF string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotCSRF = r.Header.Get("X-SL-CSRF-PROTECTION")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		http.SetCookie(w, &http.Cookie{Name: "SolarLog", Value: "abc"})
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"801":{}}`))
	}))
	defer server.Close()

	tr := New(server.URL, time.Second)
	resp, err := tr.Send(context.Background(), Request{
		Path:   PathQuery,
		Body:   `{"801":{"170":null}}`,
		Header: http.Header{"X-SL-CSRF-PROTECTION": []string{"1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/getjp", gotPath)
	assert.Equal(t, `{"801":{"170":null}}`, gotBody)
	assert.Equal(t, ContentTypeQuery, gotContentType)
	assert.Equal(t, "1", gotCSRF)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"801":{}}`, resp.Body)
	assert.Equal(t, "abc", resp.Cookie("SolarLog"))
	assert.Equal(t, "", resp.Cookie("missing"))
}

func TestSendReturnsNon200Response(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad"))
	}))
	defer server.Close()

	tr := New(server.URL, time.Second)
	resp, err := tr.Send(context.Background(), Request{Path: PathQuery})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "bad", resp.Body)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	tr := New(server.URL, 50*time.Millisecond)
	_, err := tr.Send(context.Background(), Request{Path: PathQuery})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Contains(t, err.Error(), "timeout")
}

func TestSendConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := server.URL
	server.Close()

	tr := New(url, time.Second)
	_, err := tr.Send(context.Background(), Request{Path: PathQuery})
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestCloseOwnedClient(t *testing.T) {
	tr := New("localhost", 0)
	assert.True(t, tr.owned)
	assert.Equal(t, "http://localhost", tr.BaseURL())

	require.NoError(t, tr.Close())
	assert.True(t, tr.closed)

	_, err := tr.Send(context.Background(), Request{Path: PathQuery})
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestCloseBorrowedClientIsNoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	tr := NewWithClient(server.URL, server.Client(), time.Second)
	assert.False(t, tr.owned)

	require.NoError(t, tr.Close())
	assert.False(t, tr.closed)

	_, err := tr.Send(context.Background(), Request{Path: PathQuery})
	assert.NoError(t, err)
}

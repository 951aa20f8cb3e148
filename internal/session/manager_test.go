package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/resident-x/go-solarlog/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type step struct {
	resp *transport.Response
	err  error
}

// scriptedSender replays one step per request and records what was sent.
type scriptedSender struct {
	steps    []step
	requests []transport.Request
}

func (s *scriptedSender) Send(_ context.Context, req transport.Request) (*transport.Response, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.steps) {
		return nil, fmt.Errorf("unexpected request %d: %s", i, req.Body)
	}
	return s.steps[i].resp, s.steps[i].err
}

func ok(body string) step {
	return step{resp: &transport.Response{Status: http.StatusOK, Body: body}}
}

func loggedIn(token string) step {
	return step{resp: &transport.Response{
		Status:  http.StatusOK,
		Body:    "SUCCESS - Password was correct, you are now logged in",
		Cookies: []*http.Cookie{{Name: CookieName, Value: token}},
	}}
}

func deviceSalt(t *testing.T) string {
	t.Helper()
	reference, err := bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.MinCost)
	require.NoError(t, err)
	return string(reference[:bcryptPrefixSize+bcryptEncodedSaltSize])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "no_password", StateNoPassword.String())
	assert.Equal(t, "attempting", StateAttempting.String())
	assert.Equal(t, "salt_challenge", StateSaltChallenge.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestLoginWithoutPassword(t *testing.T) {
	sender := &scriptedSender{}
	manager := NewManager(sender, "")

	authenticated, err := manager.Login(context.Background())
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Equal(t, StateNoPassword, manager.State())
	assert.Empty(t, sender.requests)
}

func TestLoginSuccess(t *testing.T) {
	sender := &scriptedSender{steps: []step{loggedIn("abc123")}}
	manager := NewManager(sender, "secret")
	assert.Equal(t, StateAttempting, manager.State())

	authenticated, err := manager.Login(context.Background())
	require.NoError(t, err)
	assert.True(t, authenticated)
	assert.Equal(t, StateAuthenticated, manager.State())
	assert.Equal(t, "abc123", manager.Token())
	assert.Equal(t, "secret", manager.Password())

	require.Len(t, sender.requests, 1)
	assert.Equal(t, transport.PathLogin, sender.requests[0].Path)
	assert.Equal(t, "u=user&p=secret", sender.requests[0].Body)
}

func TestLoginUserWrongClearsPassword(t *testing.T) {
	sender := &scriptedSender{steps: []step{ok("FAILED - User was wrong")}}
	manager := NewManager(sender, "secret")

	authenticated, err := manager.Login(context.Background())
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Empty(t, manager.Password())
	assert.Equal(t, StateNoPassword, manager.State())

	// A second call is a no-op.
	authenticated, err = manager.Login(context.Background())
	require.NoError(t, err)
	assert.False(t, authenticated)
	assert.Len(t, sender.requests, 1)
}

func TestLoginSaltedRetrySucceeds(t *testing.T) {
	salt := deviceSalt(t)
	expected, err := HashPassword("secret", salt)
	require.NoError(t, err)

	sender := &scriptedSender{steps: []step{
		ok("FAILED - Password was wrong"),
		ok(fmt.Sprintf(`{"550":{"100":"%s"}}`, salt)),
		loggedIn("hashed-token"),
	}}
	manager := NewManager(sender, "secret")

	authenticated, err := manager.Login(context.Background())
	require.NoError(t, err)
	assert.True(t, authenticated)
	assert.Equal(t, StateAuthenticated, manager.State())
	assert.Equal(t, expected, manager.Password())
	assert.Equal(t, "hashed-token", manager.Token())

	require.Len(t, sender.requests, 3)
	assert.Equal(t, transport.PathQuery, sender.requests[1].Path)
	assert.Equal(t, protocol.SaltQuery().Payload, sender.requests[1].Body)
	assert.Equal(t, "u=user&p="+expected, sender.requests[2].Body)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(manager.Password()), []byte("secret")))
}

func TestLoginSaltedRetryRejected(t *testing.T) {
	sender := &scriptedSender{steps: []step{
		ok("FAILED - Password was wrong"),
		ok(fmt.Sprintf(`{"550":"%s"}`, deviceSalt(t))),
		ok("FAILED - Password was wrong"),
	}}
	manager := NewManager(sender, "secret")

	authenticated, err := manager.Login(context.Background())
	assert.False(t, authenticated)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, "secret", manager.Password())
	assert.Empty(t, manager.Token())
}

func TestLoginSaltUnavailable(t *testing.T) {
	tests := []struct {
		name string
		salt step
	}{
		{"query impossible", ok(`{"QUERY IMPOSSIBLE 000"}`)},
		{"empty salt", ok(`{"550":""}`)},
		{"unusable salt", ok(`{"550":"not-a-salt"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &scriptedSender{steps: []step{ok("FAILED - Password was wrong"), tt.salt}}
			manager := NewManager(sender, "secret")

			_, err := manager.Login(context.Background())
			assert.ErrorIs(t, err, domain.ErrAuthentication)
			assert.Equal(t, StateSaltChallenge, manager.State())
			assert.Len(t, sender.requests, 2)
		})
	}
}

func TestLoginErrors(t *testing.T) {
	connErr := domain.NewConnectionError("timeout occurred while connecting to Solar-Log", nil)

	tests := []struct {
		name string
		step step
		want error
	}{
		{"connection error", step{err: connErr}, domain.ErrConnection},
		{"non-200 status", step{resp: &transport.Response{Status: http.StatusInternalServerError, Body: "oops"}}, domain.ErrUpdate},
		{"missing cookie", ok("SUCCESS"), domain.ErrUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(&scriptedSender{steps: []step{tt.step}}, "secret")

			authenticated, err := manager.Login(context.Background())
			assert.False(t, authenticated)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, manager.Token())
		})
	}
}

func TestAuthorize(t *testing.T) {
	manager := NewManager(&scriptedSender{steps: []step{loggedIn("abc123")}}, "secret")

	anonymous := transport.Request{Path: transport.PathQuery, Body: `{"740":null}`}
	manager.Authorize(&anonymous)
	assert.Equal(t, `{"740":null}`, anonymous.Body)
	assert.Nil(t, anonymous.Header)

	_, err := manager.Login(context.Background())
	require.NoError(t, err)

	req := transport.Request{Path: transport.PathQuery, Body: `{"740":null}`}
	manager.Authorize(&req)
	assert.Equal(t, `token=abc123; {"740":null}`, req.Body)
	assert.Equal(t, "SolarLog=abc123", req.Header.Get("Cookie"))
	assert.Equal(t, "1", req.Header.Get(CSRFHeader))
	assert.True(t, strings.HasPrefix(req.Body, "token="))
}

func TestFailedReloginDropsSession(t *testing.T) {
	connErr := domain.NewConnectionError("timeout occurred while connecting to Solar-Log", nil)
	sender := &scriptedSender{steps: []step{loggedIn("abc123"), {err: connErr}}}
	manager := NewManager(sender, "secret")

	_, err := manager.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc123", manager.Token())

	_, err = manager.Login(context.Background())
	require.ErrorIs(t, err, domain.ErrConnection)
	assert.Empty(t, manager.Token())
	assert.NotEqual(t, StateAuthenticated, manager.State())

	req := transport.Request{Path: transport.PathQuery, Body: `{"740":null}`}
	manager.Authorize(&req)
	assert.Equal(t, `{"740":null}`, req.Body)
	assert.Empty(t, req.Header.Get("Cookie"))
	assert.Empty(t, req.Header.Get(CSRFHeader))
}

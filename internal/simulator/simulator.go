// Package simulator provides a fake Solar-Log device for tests and local development.
package simulator

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/resident-x/go-solarlog/internal/session"
	"github.com/resident-x/go-solarlog/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed fixtures/*.json
var fixtures embed.FS

// DefaultToken is the session token handed out on a successful login.
const DefaultToken = "simulated-session"

const loginSuccess = "SUCCESS - Password was correct, you are now logged in"

var fixtureFiles = map[int]string{
	protocol.CodeBasicData:         "fixtures/basic.json",
	protocol.CodePowerPerInverter:  "fixtures/power.json",
	protocol.CodeEnergyPerInverter: "fixtures/energy.json",
	protocol.CodeYearlyEnergy:      "fixtures/yearly.json",
	protocol.CodeDeviceList:        "fixtures/devices.json",
	protocol.CodeBattery:           "fixtures/battery.json",
}

// Config controls how the simulated device authenticates.
type Config struct {
	// Password protects the extended queries. Empty means the device has no
	// password and answers logins with "FAILED - User was wrong".
	Password string
	// Salt, when set, makes the device reject the plain password and accept
	// only the password hashed with this salt.
	Salt string
	// Protected lists the query codes that answer ACCESS DENIED without a session.
	Protected []int
}

// Device is a fake Solar-Log answering the getjp and login endpoints.
type Device struct {
	config    Config
	responses map[int]string
	names     map[int]string
	protected map[int]bool
	status    int
	delay     time.Duration
	token     string
	requests  []string
	logins    int
	router    *mux.Router
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// New creates a device serving the embedded fixtures.
func New(config Config) (*Device, error) {
	d := &Device{
		config:    config,
		responses: make(map[int]string, len(fixtureFiles)),
		names:     map[int]string{0: "Inverter 1", 1: "Inverter 2", 2: "Battery"},
		protected: make(map[int]bool, len(config.Protected)),
		status:    http.StatusOK,
		router:    mux.NewRouter(),
		logger:    log.With().Str("component", "simulator").Logger(),
	}

	for code, file := range fixtureFiles {
		data, err := fixtures.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixture %s: %w", file, err)
		}
		d.responses[code] = strings.TrimSpace(string(data))
	}
	for _, code := range config.Protected {
		d.protected[code] = true
	}

	d.router.HandleFunc("/"+transport.PathQuery, d.handleQuery).Methods(http.MethodPost)
	d.router.HandleFunc("/"+transport.PathLogin, d.handleLogin).Methods(http.MethodPost)

	return d, nil
}

// Handler returns the HTTP handler of the device.
func (d *Device) Handler() http.Handler {
	return d.router
}

// SetResponse replaces the body returned for a query code.
func (d *Device) SetResponse(code int, body string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.responses[code] = body
}

// SetName sets the name reported for a device id.
func (d *Device) SetName(id int, name string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.names[id] = name
}

// SetStatus makes every query answer with the given HTTP status.
func (d *Device) SetStatus(status int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.status = status
}

// SetDelay delays every answer.
func (d *Device) SetDelay(delay time.Duration) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.delay = delay
}

// Requests returns the bodies of all getjp requests received so far.
func (d *Device) Requests() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.requests...)
}

// Logins returns the number of login attempts.
func (d *Device) Logins() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.logins
}

func (d *Device) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.requests = append(d.requests, string(body))
	d.wait()

	if d.status != http.StatusOK {
		w.WriteHeader(d.status)
		_, _ = fmt.Fprintf(w, "simulated status %d", d.status)
		return
	}

	payload, authorized := d.stripToken(string(body), r)
	code, id, err := queryCode(payload)
	if err != nil {
		d.logger.Debug().Err(err).Str("body", payload).Msg("Unparseable query")
		_, _ = io.WriteString(w, `{"`+protocol.SentinelQueryImpossible+`"}`)
		return
	}

	if d.protected[code] && !authorized {
		_, _ = fmt.Fprintf(w, `{"%d":"%s"}`, code, protocol.SentinelAccessDenied)
		return
	}

	_, _ = io.WriteString(w, d.answer(code, id))
}

func (d *Device) answer(code, id int) string {
	switch code {
	case protocol.CodeSalt:
		if d.config.Salt == "" {
			return `{"` + protocol.SentinelQueryImpossible + `"}`
		}
		return fmt.Sprintf(`{"%d":{"100":"%s"}}`, protocol.CodeSalt, d.config.Salt)
	case protocol.CodeDeviceConfig:
		name, ok := d.names[id]
		if !ok {
			return `{"` + protocol.SentinelQueryImpossible + `"}`
		}
		return fmt.Sprintf(`{"%d":{"%d":{"%d":%q}}}`, protocol.CodeDeviceConfig, id, protocol.CodeDeviceName, name)
	}

	if response, ok := d.responses[code]; ok {
		return response
	}
	return `{"` + protocol.SentinelQueryImpossible + `"}`
}

func (d *Device) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.logins++
	d.wait()

	if d.config.Password == "" {
		_, _ = io.WriteString(w, protocol.SentinelUserWrong)
		return
	}

	_, password, found := strings.Cut(string(body), "&p=")
	if !found || !d.accepts(password) {
		_, _ = io.WriteString(w, protocol.SentinelPasswordWrong)
		return
	}

	d.token = DefaultToken
	http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: d.token, Path: "/"})
	_, _ = io.WriteString(w, loginSuccess)
}

func (d *Device) accepts(password string) bool {
	if d.config.Salt == "" {
		return password == d.config.Password
	}
	hashed, err := session.HashPassword(d.config.Password, d.config.Salt)
	if err != nil {
		d.logger.Error().Err(err).Msg("Invalid simulator salt")
		return false
	}
	return password == hashed
}

// stripToken removes the "token=<t>; " prefix and reports whether the request
// carries the current session.
func (d *Device) stripToken(body string, r *http.Request) (string, bool) {
	authorized := false
	if cookie, err := r.Cookie(session.CookieName); err == nil && d.token != "" {
		authorized = cookie.Value == d.token && r.Header.Get(session.CSRFHeader) != ""
	}

	if rest, found := strings.CutPrefix(body, "token="); found {
		token, payload, ok := strings.Cut(rest, "; ")
		if ok {
			return payload, authorized && token == d.token
		}
	}
	return body, false
}

func (d *Device) wait() {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
}

// queryCode returns the top-level code of a query payload and, for the device
// config query, the requested device id.
func queryCode(payload string) (code, id int, err error) {
	var query map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &query); err != nil {
		return 0, 0, err
	}
	if len(query) != 1 {
		return 0, 0, fmt.Errorf("expected one query code, got %d", len(query))
	}

	for key, inner := range query {
		if code, err = strconv.Atoi(key); err != nil {
			return 0, 0, err
		}
		if code != protocol.CodeDeviceConfig {
			continue
		}
		var devices map[string]json.RawMessage
		if err := json.Unmarshal(inner, &devices); err != nil || len(devices) != 1 {
			return 0, 0, fmt.Errorf("device config query needs exactly one device id")
		}
		for idKey := range devices {
			if id, err = strconv.Atoi(idKey); err != nil {
				return 0, 0, err
			}
		}
	}
	return code, id, nil
}

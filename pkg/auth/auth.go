// Package auth coordinates the interactive two-factor-authentication
// handshake: it starts a small loopback web server the user visits to enter
// the code the remote service texted or emailed them, and hands the
// validated code back to whoever is waiting on ObtainCode. It knows nothing
// about the remote protocol; CloudSession supplies the two capabilities
// (OnRequest, OnSubmit) that actually talk to it.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/HenningUe/iphoto-downloader/pkg/config"
	"github.com/HenningUe/iphoto-downloader/pkg/notifier"
)

// State is one point in the coordinator's handshake lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateRequested    State = "requested"
	StateAwaitingCode State = "awaiting_code"
	StateValidating   State = "validating"
	StateSuccess      State = "success"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Sentinel errors returned by ObtainCode.
var (
	ErrNoPortAvailable = errors.New("auth: no port available in configured range")
	ErrTimeout         = errors.New("auth: timed out waiting for a verified code")
	ErrCancelled       = errors.New("auth: cancelled")
	ErrAlreadyPending  = errors.New("auth: a handshake is already in progress")
)

const (
	submitRateLimit  = 5 // requests per minute per IP on /submit
	submitBurst      = 5
	requestNewMinGap = 30 * time.Second
)

// OnRequestFunc asks the remote service to (re)send a code. It is CloudSession's
// Request2FA, wrapped so this package never imports pkg/cloud.
type OnRequestFunc func(ctx context.Context) error

// OnSubmitFunc submits a candidate code to the remote service and reports
// whether it was accepted. It is CloudSession's Verify2FA, wrapped the same
// way.
type OnSubmitFunc func(ctx context.Context, code string) (accepted bool, err error)

// Coordinator runs one 2FA handshake at a time. It is safe for concurrent
// use; ObtainCode itself is not reentrant and returns ErrAlreadyPending if
// called while a handshake is already in flight.
type Coordinator struct {
	notify    notifier.Notifier
	portRange config.PortRange

	mu          sync.Mutex
	state       State
	message     string
	server      *http.Server
	limiters    *ipRateLimiters
	result      chan codeResult
	active      bool
	lastRequest time.Time
	onRequest   OnRequestFunc
	onSubmit    OnSubmitFunc
}

type codeResult struct {
	code string
	err  error
}

// New builds a Coordinator. notify may be notifier.Nop{} if no out-of-band
// channel is configured.
func New(notify notifier.Notifier, portRange config.PortRange) *Coordinator {
	return &Coordinator{
		notify:    notify,
		portRange: portRange,
		state:     StateIdle,
		message:   "Idle",
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Message returns the human-readable text describing the current state, the
// same text the web UI displays.
func (c *Coordinator) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

func (c *Coordinator) setState(s State, message string) {
	c.mu.Lock()
	c.state = s
	c.message = message
	c.mu.Unlock()
}

// tryBeginValidating atomically checks that no verification is already in
// flight and, if so, transitions to StateValidating in the same critical
// section, so two concurrent POST /submit calls can never both proceed.
func (c *Coordinator) tryBeginValidating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateValidating {
		return false
	}
	c.state = StateValidating
	c.message = "Checking your code..."
	return true
}

// ObtainCode drives one full handshake: bind a loopback listener, notify the
// user where to submit their code, wait for onSubmit to accept a code, and
// shut the listener down. It returns ErrTimeout if timeout elapses,
// ErrCancelled if ctx is cancelled first, or ErrNoPortAvailable if every
// port in the configured range is already taken.
func (c *Coordinator) ObtainCode(ctx context.Context, onRequest OnRequestFunc, onSubmit OnSubmitFunc, timeout time.Duration) (string, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return "", ErrAlreadyPending
	}
	c.active = true
	c.onRequest = onRequest
	c.onSubmit = onSubmit
	c.limiters = newIPRateLimiters(submitRateLimit, submitBurst)
	c.result = make(chan codeResult, 1)
	c.lastRequest = time.Time{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = false
		c.onRequest = nil
		c.onSubmit = nil
		c.mu.Unlock()
	}()

	listener, port, err := c.bindLoopback()
	if err != nil {
		c.setState(StateFailed, "No port available to start the verification server.")
		return "", err
	}

	router := chi.NewRouter()
	router.Get("/", c.handleIndex)
	router.Get("/status", c.handleStatus)
	router.Post("/submit", c.handleSubmit(ctx))
	router.Post("/request", c.handleRequest(ctx))

	c.mu.Lock()
	c.server = &http.Server{Handler: router}
	c.mu.Unlock()

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.result <- codeResult{err: fmt.Errorf("auth: server error: %w", err)}
		}
	}()
	defer c.shutdownServer()

	c.setState(StateListening, "Waiting for you to open the verification page.")
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	_ = c.notify.Notify(notifier.KindAuthRequired, "Verification code needed",
		fmt.Sprintf("Submit the code your account sent you at %s", url), url)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-c.result:
		if res.err != nil {
			c.setState(StateFailed, "Verification failed: "+res.err.Error())
			return "", res.err
		}
		c.setState(StateSuccess, "Verified.")
		_ = c.notify.Notify(notifier.KindAuthSuccess, "Verified", "Two-factor verification succeeded.", "")
		return res.code, nil
	case <-timer.C:
		c.setState(StateFailed, "Timed out waiting for a verified code.")
		return "", ErrTimeout
	case <-ctx.Done():
		c.setState(StateCancelled, "Verification cancelled.")
		return "", ErrCancelled
	}
}

// bindLoopback tries every port in the configured range, in order, and
// returns the first successful listener.
func (c *Coordinator) bindLoopback() (net.Listener, int, error) {
	for port := c.portRange.Start; port <= c.portRange.End; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		l, err := net.Listen("tcp", addr)
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, ErrNoPortAvailable
}

func (c *Coordinator) shutdownServer() {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// indexPage polls /status every 2s, shows the code entry form once a code
// is expected, and lets the user ask the remote service to resend one.
const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>iPhoto Downloader - Verification</title>
</head>
<body>
<h1>Two-factor verification</h1>
<p id="message">Checking status...</p>
<div id="form" style="display:none">
<input id="code" maxlength="6" pattern="[0-9]{6}" placeholder="123456">
<button onclick="submitCode()">Submit code</button>
</div>
<button onclick="requestNew()">Request new code</button>
<script>
function poll() {
  fetch('/status').then(r => r.json()).then(d => {
    document.getElementById('message').textContent = d.message;
    document.getElementById('form').style.display =
      (d.state === 'listening' || d.state === 'awaiting_code') ? 'block' : 'none';
  });
}
function submitCode() {
  var code = document.getElementById('code').value.trim();
  fetch('/submit', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({code: code})
  }).then(poll);
}
function requestNew() {
  fetch('/request', {method: 'POST'}).then(poll);
}
poll();
setInterval(poll, 2000);
</script>
</body>
</html>
`

func (c *Coordinator) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

type statusResponse struct {
	State   State  `json:"state"`
	Message string `json:"message"`
}

func (c *Coordinator) currentStatus() statusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return statusResponse{State: c.state, Message: c.message}
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.currentStatus())
}

type submitRequest struct {
	Code string `json:"code"`
}

var sixDigits = func(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Coordinator) handleSubmit(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !c.limiters.allow(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "too many attempts, wait a moment")
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !sixDigits(req.Code) {
			writeJSONError(w, http.StatusBadRequest, "code must be exactly 6 digits")
			return
		}

		if !c.tryBeginValidating() {
			writeJSONError(w, http.StatusConflict, "a verification is already in progress")
			return
		}

		accepted, err := c.onSubmit(ctx, req.Code)
		if err != nil {
			c.setState(StateAwaitingCode, "Verification service unavailable, try again.")
			writeJSONError(w, http.StatusServiceUnavailable, "verification service unavailable")
			return
		}
		if !accepted {
			c.setState(StateAwaitingCode, "Invalid code, try again.")
			writeJSONError(w, http.StatusUnprocessableEntity, "code rejected, try again")
			return
		}

		select {
		case c.result <- codeResult{code: req.Code}:
		default:
		}
		c.setState(StateSuccess, "Verified.")
		writeJSON(w, http.StatusOK, c.currentStatus())
	}
}

func (c *Coordinator) handleRequest(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		if !c.lastRequest.IsZero() && time.Since(c.lastRequest) < requestNewMinGap {
			status := statusResponse{State: c.state, Message: c.message}
			c.mu.Unlock()
			writeJSON(w, http.StatusOK, status)
			return
		}
		c.lastRequest = time.Now()
		c.mu.Unlock()

		c.setState(StateRequested, "Requesting a new code...")
		if err := c.onRequest(ctx); err != nil {
			c.setState(StateListening, "Could not request a new code, try again.")
			writeJSONError(w, http.StatusServiceUnavailable, "could not request a new code")
			return
		}
		c.setState(StateAwaitingCode, "Waiting for you to enter the new code.")
		writeJSON(w, http.StatusOK, c.currentStatus())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ipRateLimiters tracks a per-IP token bucket for the /submit endpoint,
// mirroring the vaultpass web layer's IP limiter but scoped to one
// handshake's lifetime instead of a long-lived server-wide map.
type ipRateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPRateLimiters(perMinute, burst int) *ipRateLimiters {
	return &ipRateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *ipRateLimiters) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

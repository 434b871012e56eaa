package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	sessionCookieName = "B1SESSION"
	maxErrorBody      = 512
)

// Session is the authentication state of one ERP connection.
type Session struct {
	Token     string
	CreatedAt time.Time
	Expired   bool
}

// RequestObserver is notified about every round trip and login outcome.
type RequestObserver interface {
	ObserveRequest(method string, resource string, status int, elapsed time.Duration)
	ObserveLogin(success bool)
}

type Option func(*SessionManager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *SessionManager) { m.httpClient = c }
}

// WithSleep replaces the backoff sleep, mostly so tests do not wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *SessionManager) { m.sleep = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(m *SessionManager) { m.now = fn }
}

func WithObserver(o RequestObserver) Option {
	return func(m *SessionManager) { m.observer = o }
}

// SessionManager owns the session token of one ERP connection. Many jobs share
// one instance; only the "no token -> login" transition is serialized.
type SessionManager struct {
	baseURL    string
	companyDB  string
	username   string
	password   string
	maxRetries int
	backoff    time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	observer   RequestObserver
	logger     *logrus.Logger
	tracer     trace.Tracer

	loginMu sync.Mutex
	mu      sync.RWMutex
	session *Session
	logins  atomic.Int64
}

func NewSessionManager(s config.ERPSettings, logg *logrus.Logger, opts ...Option) *SessionManager {
	if logg == nil {
		logg = config.DiscardLogger()
	}
	burst := int(s.RateLimitPerSec)
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(s.RateLimitPerSec)
	if s.RateLimitPerSec <= 0 {
		limit = rate.Inf
	}
	m := &SessionManager{
		baseURL:    strings.TrimRight(s.BaseURL, "/"),
		companyDB:  s.CompanyDB,
		username:   s.Username,
		password:   s.Password,
		maxRetries: s.LoginMaxRetries,
		backoff:    s.LoginBackoff,
		httpClient: &http.Client{Timeout: s.RequestTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logg,
		tracer:     otel.Tracer("github.com/mmdatafocus/erpsync_backend/erp"),
	}
	if m.backoff <= 0 {
		m.backoff = 2 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns a copy of the session state, if a session was ever created.
func (m *SessionManager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// LoginCount is the number of successful logins since construction.
func (m *SessionManager) LoginCount() int64 {
	return m.logins.Load()
}

// Login forces a new session.
func (m *SessionManager) Login(ctx context.Context) error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	_, err := m.login(ctx)
	return err
}

// Logout is cleanup only: failures are logged and swallowed.
func (m *SessionManager) Logout(ctx context.Context) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil || s.Expired {
		return
	}
	if _, err := m.send(ctx, call{method: http.MethodPost, path: "Logout"}, s.Token); err != nil {
		config.LogError(m.logger, "erp", "Logout", "best-effort logout failed", nil, err)
	}
}

// Request issues an authenticated call. body is JSON encoded when non-nil and
// the response is decoded into out when out is non-nil.
func (m *SessionManager) Request(ctx context.Context, method string, path string, body any, out any) error {
	c := call{method: method, path: path}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode erp request body: %w", err)
		}
		c.body = payload
	}
	raw, err := m.do(ctx, c)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &FetchError{Method: method, Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// runFields adds the identifiers of the sync run in ctx, if any, to fields.
func runFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if family, ok := utils.GetJobFamilyFromContext(ctx); ok {
		fields["family"] = family
	}
	if runId, ok := utils.GetSyncRunIdFromContext(ctx); ok {
		fields["run_id"] = runId
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	if by, ok := utils.GetTriggeredByFromContext(ctx); ok {
		fields["triggered_by"] = by
	}
	return fields
}

type call struct {
	method string
	path   string
	body   []byte
	header http.Header
}

func (m *SessionManager) do(ctx context.Context, c call) ([]byte, error) {
	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := m.send(ctx, c, token)
	if !errors.Is(err, ErrSessionExpired) {
		return raw, err
	}

	m.logger.WithFields(runFields(ctx, logrus.Fields{
		"module": "erp",
		"method": c.method,
		"path":   c.path,
	})).Warn("erp session expired, re-authenticating")
	m.invalidate(token)

	token, err = m.token(ctx)
	if err != nil {
		return nil, err
	}
	raw, err = m.send(ctx, c, token)
	if errors.Is(err, ErrSessionExpired) {
		m.invalidate(token)
		return nil, &SessionError{Method: c.method, Path: c.path, Err: err}
	}
	return raw, err
}

// token returns a live token, logging in when there is none. Concurrent callers
// that all find the token missing queue on loginMu and reuse the first login.
func (m *SessionManager) token(ctx context.Context) (string, error) {
	if t, ok := m.liveToken(); ok {
		return t, nil
	}
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	if t, ok := m.liveToken(); ok {
		return t, nil
	}
	return m.login(ctx)
}

func (m *SessionManager) liveToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.Expired {
		return "", false
	}
	return m.session.Token, true
}

// invalidate marks the session expired unless another caller already replaced it.
func (m *SessionManager) invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session.Token == token {
		m.session.Expired = true
	}
}

// login must be called with loginMu held.
func (m *SessionManager) login(ctx context.Context) (string, error) {
	attempts := m.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := m.backoff << (attempt - 1)
			m.logger.WithFields(logrus.Fields{
				"module":  "erp",
				"attempt": attempt + 1,
				"wait":    wait.String(),
			}).Warnf("erp login failed, retrying: %v", lastErr)
			if err := m.sleep(ctx, wait); err != nil {
				m.observeLogin(false)
				return "", &AuthenticationError{Attempts: attempt, Err: err}
			}
		}
		token, err := m.loginOnce(ctx)
		if err == nil {
			m.mu.Lock()
			m.session = &Session{Token: token, CreatedAt: m.now()}
			m.mu.Unlock()
			m.logins.Add(1)
			m.observeLogin(true)
			return token, nil
		}
		lastErr = err
	}
	m.observeLogin(false)
	return "", &AuthenticationError{Attempts: attempts, Err: lastErr}
}

type loginRequest struct {
	CompanyDB string `json:"CompanyDB"`
	UserName  string `json:"UserName"`
	Password  string `json:"Password"`
}

type loginResponse struct {
	SessionId      string `json:"SessionId"`
	SessionTimeout int    `json:"SessionTimeout"`
}

func (m *SessionManager) loginOnce(ctx context.Context) (string, error) {
	payload, err := json.Marshal(loginRequest{CompanyDB: m.companyDB, UserName: m.username, Password: m.password})
	if err != nil {
		return "", err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/Login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{Method: http.MethodPost, Path: "Login", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &FetchError{Method: http.MethodPost, Path: "Login", StatusCode: resp.StatusCode, Body: trimBody(body)}
	}

	var parsed loginResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", &FetchError{Method: http.MethodPost, Path: "Login", Err: fmt.Errorf("decode login response: %w", err)}
		}
	}
	token := strings.TrimSpace(parsed.SessionId)
	if token == "" {
		for _, ck := range resp.Cookies() {
			if ck.Name == sessionCookieName {
				token = ck.Value
			}
		}
	}
	if token == "" {
		return "", &FetchError{Method: http.MethodPost, Path: "Login", Err: errors.New("login response carried no session id")}
	}
	return token, nil
}

func (m *SessionManager) send(ctx context.Context, c call, token string) (raw []byte, err error) {
	ctx, span := m.tracer.Start(ctx, "erp.request", trace.WithAttributes(
		attribute.String("erp.method", c.method),
		attribute.String("erp.resource", resourceName(c.path)),
	))
	started := m.now()
	status := 0
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m.observer != nil {
			m.observer.ObserveRequest(c.method, resourceName(c.path), status, m.now().Sub(started))
		}
	}()

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Method: c.method, Path: c.path, Err: err}
	}
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, m.baseURL+"/"+strings.TrimLeft(c.path, "/"), body)
	if err != nil {
		return nil, &FetchError{Method: c.method, Path: c.path, Err: err}
	}
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Method: c.method, Path: c.path, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", status))

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Method: c.method, Path: c.path, StatusCode: status, Err: err}
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, trimBody(raw))
	case status == http.StatusNotFound:
		return nil, &FetchError{Method: c.method, Path: c.path, StatusCode: status, Body: trimBody(raw), Err: ErrNotFound}
	case status < 200 || status >= 300:
		return nil, &FetchError{Method: c.method, Path: c.path, StatusCode: status, Body: trimBody(raw)}
	}
	return raw, nil
}

func (m *SessionManager) observeLogin(ok bool) {
	if m.observer != nil {
		m.observer.ObserveLogin(ok)
	}
}

// resourceName strips keys, sub-paths and query: "Items('A1')?x" -> "Items".
func resourceName(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexAny(path, "(?/"); i >= 0 {
		return path[:i]
	}
	return path
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

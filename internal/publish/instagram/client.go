package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	webBase   = "https://www.instagram.com"
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	appID     = "936619743392459"

	requestTimeout = 30 * time.Second
)

// session is the persisted login state. It survives restarts so the
// bot keeps the exact same Instagram session instead of logging in
// fresh every time.
type session struct {
	SessionID string `json:"session_id"`
	CSRFToken string `json:"csrf_token"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type client struct {
	http        *http.Client
	cfg         Config
	sessionFile string
	log         logx.Logger

	// base is swappable for tests.
	base string

	csrf   string
	userID string
}

func newClient(cfg Config, log logx.Logger) *client {
	jar, _ := cookiejar.New(nil)
	return &client{
		http: &http.Client{
			Timeout: requestTimeout,
			Jar:     jar,
		},
		cfg:         cfg,
		sessionFile: cfg.SessionFile,
		log:         log,
		base:        webBase,
	}
}

// ensureLogin establishes a valid session, trying in order: the
// configured session id cookie, the persisted session file, and
// finally a fresh credential login.
func (c *client) ensureLogin(ctx context.Context) error {
	if c.cfg.SessionID != "" {
		err := c.loginBySessionID(ctx, c.cfg.SessionID)
		if err == nil {
			return nil
		}
		c.log.Warn("session id login failed, falling back", logx.Err(err))
	}

	if c.sessionFile != "" {
		err := c.loginFromFile(ctx)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			c.log.Warn("saved session invalid, falling back", logx.Err(err))
		}
	}

	return c.loginWithCredentials(ctx)
}

func (c *client) loginBySessionID(ctx context.Context, sessionID string) error {
	c.setSessionCookies(session{SessionID: sessionID})
	if err := c.validateSession(ctx); err != nil {
		return err
	}
	c.log.Info("instagram login ok (session id)")
	c.persistSession(ctx, sessionID)
	return nil
}

func (c *client) loginFromFile(ctx context.Context) error {
	data, err := os.ReadFile(c.sessionFile)
	if err != nil {
		return err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode session file: %w", err)
	}
	if s.SessionID == "" {
		return fmt.Errorf("session file has no session id")
	}
	c.setSessionCookies(s)
	c.csrf = s.CSRFToken
	c.userID = s.UserID
	if err := c.validateSession(ctx); err != nil {
		return err
	}
	c.log.Info("instagram login ok (saved session)")
	return nil
}

func (c *client) loginWithCredentials(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return publish.Errorf(publish.KindAuth, "login", "no valid session and no credentials configured")
	}

	if err := c.fetchCSRF(ctx); err != nil {
		return err
	}

	// Browser-style plaintext envelope. The timestamp is part of the
	// format, not a nonce we need to track.
	enc := fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), c.cfg.Password)
	form := url.Values{
		"username":     {c.cfg.Username},
		"enc_password": {enc},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/accounts/login/ajax/", strings.NewReader(form.Encode()))
	if err != nil {
		return publish.E(publish.KindTransient, "login", err)
	}
	c.webHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport("login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("login", resp.StatusCode, resp.Body)
	}

	var out struct {
		Authenticated bool   `json:"authenticated"`
		User          bool   `json:"user"`
		UserID        string `json:"userId"`
		Message       string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return publish.E(publish.KindTransient, "login", err)
	}
	if !out.Authenticated {
		if out.User {
			return publish.Errorf(publish.KindAuth, "login", "wrong password for %s", c.cfg.Username)
		}
		return publish.Errorf(publish.KindAuth, "login", "login rejected: %s", out.Message)
	}
	c.userID = out.UserID

	// The fresh sessionid must come from the login response itself. The
	// jar lookup keyed on the base URL can return a stale cookie that
	// was injected earlier under a different path.
	sid := respCookie(resp, "sessionid")
	if sid == "" {
		sid = c.cookieValue("sessionid")
	}
	if sid == "" {
		return publish.Errorf(publish.KindAuth, "login", "authenticated but no session cookie set")
	}
	c.log.Info("instagram login ok (credentials)", logx.String("user", c.cfg.Username))
	c.persistSession(ctx, sid)
	return nil
}

// validateSession hits a lightweight authenticated endpoint.
func (c *client) validateSession(ctx context.Context) error {
	var out struct {
		User struct {
			PK json.Number `json:"pk"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, "/api/v1/accounts/current_user/?edit=true", &out); err != nil {
		return err
	}
	if out.User.PK.String() != "" {
		c.userID = out.User.PK.String()
	}
	return nil
}

// fetchCSRF loads the public landing page to obtain a csrftoken cookie.
func (c *client) fetchCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return publish.E(publish.KindTransient, "csrf", err)
	}
	c.webHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport("csrf", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	c.csrf = c.cookieValue("csrftoken")
	if c.csrf == "" {
		return publish.Errorf(publish.KindTransient, "csrf", "no csrftoken cookie in response")
	}
	return nil
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	c.webHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(path, resp.StatusCode, resp.Body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	return nil
}

func (c *client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	c.webHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(path, resp.StatusCode, resp.Body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	return nil
}

// postRaw uploads a binary body, used by the rupload endpoints.
func (c *client) postRaw(ctx context.Context, path string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+path, bytes.NewReader(body))
	if err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	c.webHeaders(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(path, resp.StatusCode, resp.Body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return publish.E(publish.KindTransient, path, err)
	}
	return nil
}

func (c *client) webHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-IG-App-ID", appID)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.base+"/")
	if c.csrf == "" {
		c.csrf = c.cookieValue("csrftoken")
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRFToken", c.csrf)
	}
}

func (c *client) setSessionCookies(s session) {
	u, err := url.Parse(c.base)
	if err != nil {
		return
	}
	cookies := []*http.Cookie{{Name: "sessionid", Value: s.SessionID}}
	if s.CSRFToken != "" {
		cookies = append(cookies, &http.Cookie{Name: "csrftoken", Value: s.CSRFToken})
	}
	c.http.Jar.SetCookies(u, cookies)
}

// respCookie reads a cookie the response itself set, last value wins.
func respCookie(resp *http.Response, name string) string {
	val := ""
	for _, ck := range resp.Cookies() {
		if ck.Name == name && ck.Value != "" {
			val = ck.Value
		}
	}
	return val
}

func (c *client) cookieValue(name string) string {
	u, err := url.Parse(c.base)
	if err != nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// persistSession writes the current session to disk. Failure to
// persist is logged but never fails the login.
func (c *client) persistSession(ctx context.Context, sessionID string) {
	if c.sessionFile == "" {
		return
	}
	s := session{
		SessionID: sessionID,
		CSRFToken: c.cookieValue("csrftoken"),
		UserID:    c.userID,
		Username:  c.cfg.Username,
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}
	if dir := filepath.Dir(c.sessionFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.log.Warn("create sessions dir failed", logx.Err(err))
			return
		}
	}
	if err := os.WriteFile(c.sessionFile, data, 0o600); err != nil {
		c.log.Warn("persist session failed", logx.Err(err), logx.String("file", c.sessionFile))
	}
}

// dropSession forgets the persisted session so the next login starts
// from credentials.
func (c *client) dropSession() {
	if c.sessionFile != "" {
		os.Remove(c.sessionFile)
	}
	if jar, err := cookiejar.New(nil); err == nil {
		c.http.Jar = jar
	}
	c.csrf = ""
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return publish.E(publish.KindCancelled, op, err)
	}
	return publish.E(publish.KindTransient, op, err)
}

// classifyStatus maps an Instagram HTTP failure onto the publish
// error taxonomy. The body is consulted for the structured message
// Instagram puts into most error responses.
func classifyStatus(op string, status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var payload struct {
		Message   string `json:"message"`
		Status    string `json:"status"`
		ErrorType string `json:"error_type"`
	}
	_ = json.Unmarshal(raw, &payload)
	msg := payload.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch {
	case isLoginRequired(payload.Message, payload.ErrorType):
		return publish.Errorf(publish.KindAuth, op, "login required: %s", msg)
	case payload.Message == "feedback_required" || payload.ErrorType == "feedback_required":
		return publish.Errorf(publish.KindPermission, op, "action blocked: %s", msg)
	case payload.Message == "challenge_required" || payload.ErrorType == "checkpoint_challenge_required":
		return publish.Errorf(publish.KindAuth, op, "challenge required: %s", msg)
	case status == http.StatusUnauthorized:
		return publish.Errorf(publish.KindAuth, op, "http 401: %s", msg)
	case status == http.StatusForbidden:
		return publish.Errorf(publish.KindPermission, op, "http 403: %s", msg)
	case status == http.StatusTooManyRequests:
		return publish.Errorf(publish.KindTransient, op, "rate limited: %s", msg)
	case status == http.StatusRequestEntityTooLarge:
		return publish.Errorf(publish.KindSizeLimit, op, "http 413: %s", msg)
	default:
		return publish.Errorf(publish.KindTransient, op, "http %d: %s", status, msg)
	}
}

func isLoginRequired(fields ...string) bool {
	for _, f := range fields {
		switch f {
		case "login_required", "LoginRequired", "user_has_logged_out":
			return true
		}
	}
	return false
}

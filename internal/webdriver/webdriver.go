// Package webdriver is a minimal W3C WebDriver client: enough of the
// JSON-over-HTTP protocol to open a session, locate elements, interact with
// them and take screenshots.
package webdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Locator strategies defined by W3C WebDriver.
const (
	ByCSS   = "css selector"
	ByXPath = "xpath"
)

// KeyEnter is the WebDriver code point for the Enter key.
const KeyEnter = "\uE007"

// elementKey is the web element identifier key in W3C responses.
const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// Error is a WebDriver protocol error.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("webdriver: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// IsNoSuchElement reports whether err is a "no such element" protocol error.
func IsNoSuchElement(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == "no such element"
}

// Client talks to a single WebDriver endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the WebDriver endpoint at baseURL.
// A nil hc uses http.DefaultClient.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Capabilities are the alwaysMatch capabilities sent when creating a session.
type Capabilities map[string]any

// ChromeDebugger returns capabilities that attach to an already running
// Chrome instance listening on the given debugger address (host:port).
func ChromeDebugger(addr string) Capabilities {
	return Capabilities{
		"browserName": "chrome",
		"goog:chromeOptions": map[string]any{
			"debuggerAddress": addr,
		},
	}
}

// Status reports whether the remote end is ready to create sessions.
func (c *Client) Status(ctx context.Context) (bool, error) {
	var v struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &v); err != nil {
		return false, err
	}
	return v.Ready, nil
}

// NewSession creates a browser session.
func (c *Client) NewSession(ctx context.Context, caps Capabilities) (*Session, error) {
	if caps == nil {
		caps = Capabilities{}
	}
	body := map[string]any{
		"capabilities": map[string]any{"alwaysMatch": caps},
	}
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &v); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if v.SessionID == "" {
		return nil, errors.New("new session: empty session id")
	}
	return &Session{ID: v.SessionID, c: c}, nil
}

// do sends a command and decodes the "value" member of the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		werr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(envelope.Value, werr); err != nil || werr.Code == "" {
			werr.Code = "unknown error"
		}
		return werr
	}

	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Value, out)
}

// Session is an open WebDriver session.
type Session struct {
	ID string
	c  *Client
}

func (s *Session) path(format string, args ...any) string {
	return "/session/" + s.ID + fmt.Sprintf(format, args...)
}

// SetTimeouts sets the implicit element wait and the page load timeout.
func (s *Session) SetTimeouts(ctx context.Context, implicit, pageLoad time.Duration) error {
	return s.c.do(ctx, http.MethodPost, s.path("/timeouts"), map[string]any{
		"implicit": implicit.Milliseconds(),
		"pageLoad": pageLoad.Milliseconds(),
	}, nil)
}

// Navigate loads url in the current top-level browsing context.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/url"), map[string]any{"url": url}, nil)
}

// FindElement returns the id of the first element matching the locator.
func (s *Session) FindElement(ctx context.Context, using, value string) (string, error) {
	return s.findOne(ctx, s.path("/element"), using, value)
}

// FindElements returns the ids of all elements matching the locator.
func (s *Session) FindElements(ctx context.Context, using, value string) ([]string, error) {
	return s.findMany(ctx, s.path("/elements"), using, value)
}

// FindElementFrom searches below the element parent.
func (s *Session) FindElementFrom(ctx context.Context, parent, using, value string) (string, error) {
	return s.findOne(ctx, s.path("/element/%s/element", parent), using, value)
}

// FindElementsFrom searches below the element parent.
func (s *Session) FindElementsFrom(ctx context.Context, parent, using, value string) ([]string, error) {
	return s.findMany(ctx, s.path("/element/%s/elements", parent), using, value)
}

func (s *Session) findOne(ctx context.Context, path, using, value string) (string, error) {
	var v map[string]string
	if err := s.c.do(ctx, http.MethodPost, path, locator(using, value), &v); err != nil {
		return "", err
	}
	id, ok := v[elementKey]
	if !ok {
		return "", errors.New("webdriver: response carries no element reference")
	}
	return id, nil
}

func (s *Session) findMany(ctx context.Context, path, using, value string) ([]string, error) {
	var v []map[string]string
	if err := s.c.do(ctx, http.MethodPost, path, locator(using, value), &v); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(v))
	for _, ref := range v {
		if id, ok := ref[elementKey]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func locator(using, value string) map[string]string {
	return map[string]string{"using": using, "value": value}
}

// Click clicks the element.
func (s *Session) Click(ctx context.Context, elem string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/element/%s/click", elem), struct{}{}, nil)
}

// Clear clears an editable element.
func (s *Session) Clear(ctx context.Context, elem string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/element/%s/clear", elem), struct{}{}, nil)
}

// SendKeys types text into the element.
func (s *Session) SendKeys(ctx context.Context, elem, text string) error {
	return s.c.do(ctx, http.MethodPost, s.path("/element/%s/value", elem), map[string]string{"text": text}, nil)
}

// Text returns the rendered text of the element.
func (s *Session) Text(ctx context.Context, elem string) (string, error) {
	var v string
	err := s.c.do(ctx, http.MethodGet, s.path("/element/%s/text", elem), nil, &v)
	return v, err
}

// Attribute returns the named attribute of the element, or "" when unset.
func (s *Session) Attribute(ctx context.Context, elem, name string) (string, error) {
	var v *string
	if err := s.c.do(ctx, http.MethodGet, s.path("/element/%s/attribute/%s", elem, name), nil, &v); err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// Screenshot returns a PNG of the current viewport.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var v string
	if err := s.c.do(ctx, http.MethodGet, s.path("/screenshot"), nil, &v); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return png, nil
}

// Delete ends the session.
func (s *Session) Delete(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

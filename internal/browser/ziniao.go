package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/shopagent/internal/webdriver"
)

// DefaultZiniaoURL is where the Ziniao client serves its HTTP IPC when
// started with --ipc_type=http --port=19888.
const DefaultZiniaoURL = "http://127.0.0.1:19888"

// ZiniaoConfig configures the connection to a locally running Ziniao client.
type ZiniaoConfig struct {
	// ClientURL is the client's HTTP IPC endpoint.
	ClientURL string

	// Account credentials sent with every request.
	Company  string
	Username string
	Password string

	// ChromeDriverURL is the chromedriver that attaches to browsers the
	// client starts. A shop's webdriver_url overrides it.
	ChromeDriverURL string

	Headless bool
}

// ZiniaoBrowser is one shop browser profile known to the client.
type ZiniaoBrowser struct {
	ID       string
	OAuth    string
	Name     string
	Site     string
	Platform string
	Expired  bool
}

// ZiniaoError is a request the client answered with a non-zero statusCode.
type ZiniaoError struct {
	Action     string
	StatusCode string
	Message    string
}

func (e *ZiniaoError) Error() string {
	return fmt.Sprintf("ziniao %s: status %s: %s", e.Action, e.StatusCode, e.Message)
}

// ZiniaoProvider starts each shop's browser through the Ziniao client and
// attaches to its remote debugging port over WebDriver. Quitting the
// session stops the browser.
//
// A shop maps to a client browser by browser_id in the shops file, or by
// browser name as listed by the client.
type ZiniaoProvider struct {
	cfg          ZiniaoConfig
	shops        map[string]ShopConfig
	client       *http.Client
	logger       *slog.Logger
	implicitWait time.Duration
	pageLoad     time.Duration

	mu         sync.Mutex
	discovered map[string]string // browser name → browser ID
}

// NewZiniaoProvider creates a provider. A nil client uses http.DefaultClient.
func NewZiniaoProvider(cfg ZiniaoConfig, shops map[string]ShopConfig, client *http.Client, logger *slog.Logger) *ZiniaoProvider {
	if cfg.ClientURL == "" {
		cfg.ClientURL = DefaultZiniaoURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ZiniaoProvider{
		cfg:          cfg,
		shops:        shops,
		client:       client,
		logger:       logger,
		implicitWait: DefaultImplicitWait,
		pageLoad:     DefaultPageLoad,
	}
}

// Browsers lists the shop browsers configured in the client.
func (p *ZiniaoProvider) Browsers(ctx context.Context) ([]ZiniaoBrowser, error) {
	var resp struct {
		BrowserList []struct {
			BrowserID    json.Number `json:"browserId"`
			BrowserOAuth string      `json:"browserOauth"`
			BrowserName  string      `json:"browserName"`
			SiteID       string      `json:"siteId"`
			Platform     string      `json:"platform_name"`
			IsExpired    bool        `json:"isExpired"`
		} `json:"browserList"`
	}
	if err := p.call(ctx, "getBrowserList", nil, &resp); err != nil {
		return nil, err
	}

	browsers := make([]ZiniaoBrowser, 0, len(resp.BrowserList))
	for _, b := range resp.BrowserList {
		id := b.BrowserID.String()
		if id == "" {
			id = b.BrowserOAuth
		}
		browsers = append(browsers, ZiniaoBrowser{
			ID:       id,
			OAuth:    b.BrowserOAuth,
			Name:     b.BrowserName,
			Site:     b.SiteID,
			Platform: b.Platform,
			Expired:  b.IsExpired,
		})
	}
	return browsers, nil
}

// Open starts the shop's browser in the client and attaches a WebDriver
// session to it.
func (p *ZiniaoProvider) Open(ctx context.Context, shopID string) (Driver, error) {
	browserID, err := p.browserID(ctx, shopID)
	if err != nil {
		return nil, err
	}

	port, err := p.startBrowser(ctx, browserID)
	if err != nil {
		return nil, err
	}
	stop := func(ctx context.Context) error { return p.stopBrowser(ctx, browserID) }

	endpoint := p.cfg.ChromeDriverURL
	if cfg, ok := p.shops[shopID]; ok && cfg.WebDriverURL != "" {
		endpoint = cfg.WebDriverURL
	}
	debugger := fmt.Sprintf("127.0.0.1:%s", port)
	driver, err := openWebDriver(ctx, webdriver.NewClient(endpoint, p.client), debugger, p.implicitWait, p.pageLoad)
	if err != nil {
		if serr := stop(context.WithoutCancel(ctx)); serr != nil {
			p.logger.Warn("stop ziniao browser failed", "shop_id", shopID, "browser_id", browserID, "error", serr)
		}
		return nil, fmt.Errorf("attach to %s via %s: %w", debugger, endpoint, err)
	}

	p.logger.Info("ziniao browser started", "shop_id", shopID, "browser_id", browserID, "debugger", debugger)
	return &ziniaoDriver{Driver: driver, stop: stop}, nil
}

// Shutdown asks the client to exit, closing every browser it started.
func (p *ZiniaoProvider) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	if err := p.call(ctx, "exit", nil, nil); err != nil {
		p.logger.Warn("ziniao client exit failed", "error", err)
	}
}

func (p *ZiniaoProvider) browserID(ctx context.Context, shopID string) (string, error) {
	if cfg, ok := p.shops[shopID]; ok && cfg.BrowserID != "" {
		return cfg.BrowserID, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered == nil {
		browsers, err := p.Browsers(ctx)
		if err != nil {
			return "", fmt.Errorf("list ziniao browsers: %w", err)
		}
		p.discovered = make(map[string]string, len(browsers))
		for _, b := range browsers {
			p.discovered[b.Name] = b.ID
		}
	}
	id, ok := p.discovered[shopID]
	if !ok {
		return "", fmt.Errorf("%w: %s has no ziniao browser", ErrUnknownShop, shopID)
	}
	return id, nil
}

func (p *ZiniaoProvider) startBrowser(ctx context.Context, browserID string) (string, error) {
	var resp struct {
		DebuggingPort json.Number `json:"debuggingPort"`
	}
	err := p.call(ctx, "startBrowser", map[string]any{
		"browserId":  browserID,
		"isHeadless": p.cfg.Headless,
	}, &resp)
	if err != nil {
		return "", err
	}
	if _, err := resp.DebuggingPort.Int64(); err != nil {
		return "", fmt.Errorf("ziniao startBrowser %s: bad debuggingPort %q", browserID, resp.DebuggingPort)
	}
	return resp.DebuggingPort.String(), nil
}

func (p *ZiniaoProvider) stopBrowser(ctx context.Context, browserID string) error {
	return p.call(ctx, "stopBrowser", map[string]any{"browserId": browserID}, nil)
}

// call posts one IPC request. Every request carries the account and a
// unique requestId; a non-zero statusCode is returned as *ZiniaoError.
func (p *ZiniaoProvider) call(ctx context.Context, action string, fields map[string]any, out any) error {
	req := map[string]any{
		"action":    action,
		"requestId": action + "_" + uuid.NewString(),
		"company":   p.cfg.Company,
		"username":  p.cfg.Username,
		"password":  p.cfg.Password,
	}
	for k, v := range fields {
		req[k] = v
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode ziniao %s: %w", action, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.ClientURL, "/"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ziniao %s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read ziniao %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ziniao %s: HTTP %d", action, resp.StatusCode)
	}

	var status struct {
		StatusCode json.Number `json:"statusCode"`
		Err        string      `json:"err"`
		LastError  string      `json:"LastError"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("decode ziniao %s response: %w", action, err)
	}
	if status.StatusCode != "0" {
		msg := status.Err
		if msg == "" {
			msg = status.LastError
		}
		return &ZiniaoError{Action: action, StatusCode: status.StatusCode.String(), Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode ziniao %s response: %w", action, err)
	}
	return nil
}

// ziniaoDriver stops the client browser after its session quits.
type ziniaoDriver struct {
	Driver
	stop func(ctx context.Context) error
}

func (d *ziniaoDriver) Quit(ctx context.Context) error {
	err := d.Driver.Quit(ctx)
	if serr := d.stop(ctx); serr != nil && err == nil {
		err = fmt.Errorf("stop ziniao browser: %w", serr)
	}
	return err
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/shopagent/internal/webdriver"
)

// ErrUnknownShop is returned when a provider has no browser configured for a shop.
var ErrUnknownShop = errors.New("unknown shop")

// Default WebDriver timeouts applied to every new session.
const (
	DefaultImplicitWait = 5 * time.Second
	DefaultPageLoad     = 30 * time.Second
)

// ShopConfig describes where a shop's browser lives.
type ShopConfig struct {
	ID string `yaml:"id"`
	// WebDriverURL is the WebDriver endpoint (chromedriver, Selenium) for the shop.
	WebDriverURL string `yaml:"webdriver_url"`
	// DebuggerAddress attaches to a browser the vendor client already started
	// with remote debugging (host:port). Empty starts a fresh browser.
	DebuggerAddress string `yaml:"debugger_address"`
	// BrowserID is the shop's browser in the Ziniao client. Empty matches
	// the client browser named like the shop.
	BrowserID string `yaml:"browser_id"`
	// Site selects the locator table for the shop's marketplace.
	Site string `yaml:"site"`
}

type shopsFile struct {
	Shops []ShopConfig `yaml:"shops"`
}

// LoadShops reads a YAML file of the form:
//
//	shops:
//	  - id: shop-1
//	    webdriver_url: http://127.0.0.1:9515
//	    debugger_address: 127.0.0.1:9222
//	    site: id
//	  - id: shop-2
//	    browser_id: "1001"
func LoadShops(path string) (map[string]ShopConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shops file: %w", err)
	}

	var f shopsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shops file: %w", err)
	}

	shops := make(map[string]ShopConfig, len(f.Shops))
	for i, s := range f.Shops {
		if s.ID == "" {
			return nil, fmt.Errorf("shops[%d]: missing id", i)
		}
		if _, dup := shops[s.ID]; dup {
			return nil, fmt.Errorf("shops[%d]: duplicate id %q", i, s.ID)
		}
		shops[s.ID] = s
	}
	return shops, nil
}

// RemoteProvider opens sessions against per-shop WebDriver endpoints.
type RemoteProvider struct {
	shops        map[string]ShopConfig
	client       *http.Client
	implicitWait time.Duration
	pageLoad     time.Duration
}

// NewRemoteProvider creates a provider for the given shops. A nil client
// uses http.DefaultClient.
func NewRemoteProvider(shops map[string]ShopConfig, client *http.Client) *RemoteProvider {
	return &RemoteProvider{
		shops:        shops,
		client:       client,
		implicitWait: DefaultImplicitWait,
		pageLoad:     DefaultPageLoad,
	}
}

// Open creates a WebDriver session for shopID.
func (p *RemoteProvider) Open(ctx context.Context, shopID string) (Driver, error) {
	cfg, ok := p.shops[shopID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShop, shopID)
	}
	if cfg.WebDriverURL == "" {
		return nil, fmt.Errorf("shop %s: no webdriver_url configured", shopID)
	}
	return openWebDriver(ctx, webdriver.NewClient(cfg.WebDriverURL, p.client), cfg.DebuggerAddress, p.implicitWait, p.pageLoad)
}

func openWebDriver(ctx context.Context, c *webdriver.Client, debugger string, implicit, pageLoad time.Duration) (Driver, error) {
	caps := webdriver.Capabilities{"browserName": "chrome"}
	if debugger != "" {
		caps = webdriver.ChromeDebugger(debugger)
	}

	s, err := c.NewSession(ctx, caps)
	if err != nil {
		return nil, err
	}
	if err := s.SetTimeouts(ctx, implicit, pageLoad); err != nil {
		s.Delete(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("set timeouts: %w", err)
	}
	return NewWebDriver(s), nil
}

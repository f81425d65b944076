package browser

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"
)

// StubPage is the canned content a StubProvider serves. Texts are keyed by
// Selector.String(); a selector without text does not exist on the page.
type StubPage struct {
	Texts map[string]string
	Rows  []Row
	// Delay is spent in every Navigate, bounded by the caller's context.
	Delay time.Duration
}

// SetText puts text under sel.
func (p *StubPage) SetText(sel Selector, text string) {
	if p.Texts == nil {
		p.Texts = make(map[string]string)
	}
	p.Texts[sel.String()] = text
}

// StubProvider opens drivers that answer from a StubPage without a browser.
// It backs the local test worker and end-to-end tests.
type StubProvider struct {
	page StubPage

	mu     sync.Mutex
	opened int
	filled map[string]string
}

// NewStubProvider creates a provider serving page to every shop.
func NewStubProvider(page StubPage) *StubProvider {
	return &StubProvider{page: page, filled: make(map[string]string)}
}

// Open returns a driver over the shared page.
func (p *StubProvider) Open(context.Context, string) (Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	return &stubDriver{provider: p}, nil
}

// Opened returns how many drivers were opened.
func (p *StubProvider) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Filled returns the last text typed into sel, if any.
func (p *StubProvider) Filled(sel Selector) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.filled[sel.String()]
	return v, ok
}

type stubDriver struct {
	provider *StubProvider
}

func (d *stubDriver) Navigate(ctx context.Context, _ string) error {
	if d.provider.page.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.provider.page.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *stubDriver) Click(ctx context.Context, _ Selector) error  { return ctx.Err() }
func (d *stubDriver) Submit(ctx context.Context, _ Selector) error { return ctx.Err() }

func (d *stubDriver) Fill(ctx context.Context, sel Selector, text string) error {
	d.provider.mu.Lock()
	defer d.provider.mu.Unlock()
	d.provider.filled[sel.String()] = text
	return ctx.Err()
}

func (d *stubDriver) Text(_ context.Context, sel Selector) (string, error) {
	v, ok := d.provider.page.Texts[sel.String()]
	if !ok {
		return "", ErrNoSuchElement
	}
	return v, nil
}

func (d *stubDriver) Exists(_ context.Context, sel Selector) (bool, error) {
	_, ok := d.provider.page.Texts[sel.String()]
	return ok, nil
}

func (d *stubDriver) Rows(_ context.Context, q RowQuery) ([]Row, error) {
	rows := d.provider.page.Rows
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (d *stubDriver) Screenshot(context.Context) ([]byte, error) {
	return stubPNG()
}

func (d *stubDriver) Quit(context.Context) error { return nil }

var (
	stubPNGOnce  sync.Once
	stubPNGBytes []byte
	stubPNGErr   error
)

// stubPNG returns a 1x1 white image.
func stubPNG() ([]byte, error) {
	stubPNGOnce.Do(func() {
		img := image.NewGray(image.Rect(0, 0, 1, 1))
		img.Set(0, 0, color.White)
		var buf bytes.Buffer
		stubPNGErr = png.Encode(&buf, img)
		stubPNGBytes = buf.Bytes()
	})
	return stubPNGBytes, stubPNGErr
}

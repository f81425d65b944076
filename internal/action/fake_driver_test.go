package action_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/shopagent/internal/browser"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pageDriver is a scripted page. Elements are keyed by selector value;
// anything not listed in present is missing.
type pageDriver struct {
	mu      sync.Mutex
	present map[string]bool
	texts   map[string]string
	rows    []browser.Row
	failOn  map[string]error

	visited []string
	clicked []string
	filled  map[string]string
	submits int
	query   browser.RowQuery
}

func newPageDriver(present ...string) *pageDriver {
	d := &pageDriver{
		present: make(map[string]bool),
		texts:   make(map[string]string),
		failOn:  make(map[string]error),
		filled:  make(map[string]string),
	}
	for _, p := range present {
		d.present[p] = true
	}
	return d
}

func (d *pageDriver) setText(sel, text string) {
	d.present[sel] = true
	d.texts[sel] = text
}

func (d *pageDriver) lookup(sel browser.Selector) error {
	if err := d.failOn[sel.Value]; err != nil {
		return err
	}
	if !d.present[sel.Value] {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchElement, sel)
	}
	return nil
}

func (d *pageDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failOn[url]; err != nil {
		return err
	}
	d.visited = append(d.visited, url)
	return nil
}

func (d *pageDriver) Click(_ context.Context, sel browser.Selector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lookup(sel); err != nil {
		return err
	}
	d.clicked = append(d.clicked, sel.Value)
	return nil
}

func (d *pageDriver) Fill(_ context.Context, sel browser.Selector, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lookup(sel); err != nil {
		return err
	}
	d.filled[sel.Value] = text
	return nil
}

func (d *pageDriver) Submit(_ context.Context, sel browser.Selector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lookup(sel); err != nil {
		return err
	}
	d.submits++
	return nil
}

func (d *pageDriver) Text(_ context.Context, sel browser.Selector) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lookup(sel); err != nil {
		return "", err
	}
	return d.texts[sel.Value], nil
}

func (d *pageDriver) Exists(_ context.Context, sel browser.Selector) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[sel.Value], nil
}

func (d *pageDriver) Rows(_ context.Context, q browser.RowQuery) ([]browser.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.query = q
	rows := d.rows
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (d *pageDriver) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (d *pageDriver) Quit(context.Context) error                 { return nil }

// recorder collects captured artifact types.
type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Capture(_ context.Context, typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
	return nil
}

func (r *recorder) captured() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

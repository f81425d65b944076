package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/shopagent/internal/webdriver"
)

// Compile-time interface satisfaction check.
var _ Driver = (*WebDriver)(nil)

// WebDriver adapts a W3C WebDriver session to the Driver interface.
type WebDriver struct {
	s *webdriver.Session
}

// NewWebDriver wraps an open WebDriver session.
func NewWebDriver(s *webdriver.Session) *WebDriver {
	return &WebDriver{s: s}
}

func (d *WebDriver) find(ctx context.Context, sel Selector) (string, error) {
	id, err := d.s.FindElement(ctx, sel.Using, sel.Value)
	if webdriver.IsNoSuchElement(err) {
		return "", fmt.Errorf("%w: %s", ErrNoSuchElement, sel)
	}
	if err != nil {
		return "", fmt.Errorf("find %s: %w", sel, err)
	}
	return id, nil
}

// Navigate loads url.
func (d *WebDriver) Navigate(ctx context.Context, url string) error {
	return d.s.Navigate(ctx, url)
}

// Click clicks the first element matching sel.
func (d *WebDriver) Click(ctx context.Context, sel Selector) error {
	id, err := d.find(ctx, sel)
	if err != nil {
		return err
	}
	return d.s.Click(ctx, id)
}

// Fill clears the first element matching sel and types text.
func (d *WebDriver) Fill(ctx context.Context, sel Selector, text string) error {
	id, err := d.find(ctx, sel)
	if err != nil {
		return err
	}
	if err := d.s.Clear(ctx, id); err != nil {
		return fmt.Errorf("clear %s: %w", sel, err)
	}
	return d.s.SendKeys(ctx, id, text)
}

// Submit presses Enter in the first element matching sel.
func (d *WebDriver) Submit(ctx context.Context, sel Selector) error {
	id, err := d.find(ctx, sel)
	if err != nil {
		return err
	}
	return d.s.SendKeys(ctx, id, webdriver.KeyEnter)
}

// Text returns the trimmed text of the first element matching sel.
func (d *WebDriver) Text(ctx context.Context, sel Selector) (string, error) {
	id, err := d.find(ctx, sel)
	if err != nil {
		return "", err
	}
	text, err := d.s.Text(ctx, id)
	return strings.TrimSpace(text), err
}

// Exists reports whether any element matches sel.
func (d *WebDriver) Exists(ctx context.Context, sel Selector) (bool, error) {
	ids, err := d.s.FindElements(ctx, sel.Using, sel.Value)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Rows extracts up to q.Limit rows.
func (d *WebDriver) Rows(ctx context.Context, q RowQuery) ([]Row, error) {
	ids, err := d.s.FindElements(ctx, q.Row.Using, q.Row.Value)
	if err != nil {
		return nil, fmt.Errorf("find rows %s: %w", q.Row, err)
	}
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	rows := make([]Row, 0, len(ids))
	for _, rowID := range ids {
		row := Row{
			Fields: make(map[string]string, len(q.Fields)),
			Attrs:  make(map[string]string, len(q.Attrs)),
		}
		for name, sel := range q.Fields {
			cells, err := d.s.FindElementsFrom(ctx, rowID, sel.Using, sel.Value)
			if err != nil {
				return nil, fmt.Errorf("find field %s: %w", name, err)
			}
			if len(cells) == 0 {
				row.Fields[name] = ""
				continue
			}
			text, err := d.s.Text(ctx, cells[0])
			if err != nil {
				return nil, fmt.Errorf("read field %s: %w", name, err)
			}
			row.Fields[name] = strings.TrimSpace(text)
		}
		for _, attr := range q.Attrs {
			v, err := d.s.Attribute(ctx, rowID, attr)
			if err != nil {
				return nil, fmt.Errorf("read attribute %s: %w", attr, err)
			}
			row.Attrs[attr] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Screenshot captures the viewport as PNG.
func (d *WebDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.s.Screenshot(ctx)
}

// Quit ends the WebDriver session.
func (d *WebDriver) Quit(ctx context.Context) error {
	return d.s.Delete(ctx)
}

// Package browser owns the per-shop browser sessions the engine hands to
// action handlers, and the providers that open them (a remote WebDriver
// endpoint per shop, or a browser container per shop).
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSuchElement is returned by a Driver when a selector matches nothing.
var ErrNoSuchElement = errors.New("no such element")

// Locator strategies.
const (
	UsingCSS   = "css selector"
	UsingXPath = "xpath"
)

// Selector locates elements on a page.
type Selector struct {
	Using string
	Value string
}

// CSS returns a CSS selector.
func CSS(v string) Selector { return Selector{Using: UsingCSS, Value: v} }

// XPath returns an XPath selector.
func XPath(v string) Selector { return Selector{Using: UsingXPath, Value: v} }

// ParseSelector parses the "css:", "xpath:", "id:" and "name:" prefixed
// notation used by locator tables. Text without a known prefix is CSS.
func ParseSelector(s string) Selector {
	switch {
	case strings.HasPrefix(s, "css:"):
		return CSS(strings.TrimSpace(s[len("css:"):]))
	case strings.HasPrefix(s, "xpath:"):
		return XPath(strings.TrimSpace(s[len("xpath:"):]))
	case strings.HasPrefix(s, "id:"):
		return CSS(fmt.Sprintf("[id=%q]", strings.TrimSpace(s[len("id:"):])))
	case strings.HasPrefix(s, "name:"):
		return CSS(fmt.Sprintf("[name=%q]", strings.TrimSpace(s[len("name:"):])))
	default:
		return CSS(strings.TrimSpace(s))
	}
}

func (s Selector) String() string {
	if s.Using == UsingXPath {
		return "xpath:" + s.Value
	}
	return "css:" + s.Value
}

// RowQuery extracts a table-like listing: every element matching Row, and
// for each one the text of its Fields and the values of its Attrs.
type RowQuery struct {
	Row    Selector
	Fields map[string]Selector
	Attrs  []string
	Limit  int
}

// Row is one extracted row. Fields or attributes that are missing in the
// row are empty strings.
type Row struct {
	Fields map[string]string
	Attrs  map[string]string
}

// Driver performs page interactions in one browser.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, sel Selector) error
	// Fill clears the element and types text into it.
	Fill(ctx context.Context, sel Selector, text string) error
	// Submit presses Enter in the element.
	Submit(ctx context.Context, sel Selector) error
	Text(ctx context.Context, sel Selector) (string, error)
	Exists(ctx context.Context, sel Selector) (bool, error)
	Rows(ctx context.Context, q RowQuery) ([]Row, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Quit(ctx context.Context) error
}

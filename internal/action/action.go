// Package action defines the handler contract the engine dispatches to, the
// registry of built-in handlers, and the site locator tables they drive the
// seller center with.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/model"
)

// ErrInvalidPayload matches every payload decoding or validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// PayloadError describes why a payload was rejected.
type PayloadError struct {
	Action string
	Reason string
}

func (e *PayloadError) Error() string {
	return e.Action + ": " + e.Reason
}

// Is makes errors.Is(err, ErrInvalidPayload) true.
func (e *PayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// Error codes reported by the built-in handlers.
const (
	CodeConfig          = "CONFIG_ERROR"
	CodeNavigation      = "NAVIGATION_ERROR"
	CodeSearch          = "SEARCH_ERROR"
	CodeDataExtraction  = "DATA_EXTRACTION_ERROR"
	CodeNoProducts      = "NO_PRODUCTS"
	CodeProductNotFound = "PRODUCT_NOT_FOUND"
	CodeUpdate          = "UPDATE_ERROR"
	CodeSave            = "SAVE_ERROR"
)

// Error is a typed handler failure, usually a structural problem with the
// remote page.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Recorder captures evidence for the current run.
type Recorder interface {
	Capture(ctx context.Context, artifactType string) error
}

// Env is what a handler gets to work with for one attempt.
type Env struct {
	Session  browser.Driver
	DryRun   bool
	Evidence Recorder
	Locators *Locators
	Logger   *slog.Logger
}

// logger returns Logger, or a logger that drops everything when unset.
func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e Env) capture(ctx context.Context, typ string) {
	if e.Evidence == nil {
		return
	}
	if err := e.Evidence.Capture(ctx, typ); err != nil {
		e.logger().Warn("evidence capture failed", "artifact_type", typ, "error", err)
	}
}

// Handler executes one action.
type Handler interface {
	Name() string
	// Timeout overrides the engine's default action timeout when non-zero.
	Timeout() time.Duration
	// Decode turns a raw task payload into the handler's typed params.
	// Failures match ErrInvalidPayload.
	Decode(payload map[string]any) (any, error)
	// Execute runs the action with params returned by Decode.
	Execute(ctx context.Context, env Env, params any) (map[string]any, error)
}

// Validator is implemented by params types that check or default their
// fields after decoding.
type Validator interface {
	Validate() error
}

// RunFunc is the body of an action over typed params P.
type RunFunc[P any] func(ctx context.Context, env Env, p P) (map[string]any, error)

type defined[P any] struct {
	name    string
	timeout time.Duration
	run     RunFunc[P]
}

// Define builds a Handler around run. Payloads are decoded strictly into P
// (unknown fields are rejected) and then validated if *P implements
// Validator. Execute captures "before" evidence on entry, and "after" or
// "error" evidence on exit.
func Define[P any](name string, timeout time.Duration, run RunFunc[P]) Handler {
	return &defined[P]{name: name, timeout: timeout, run: run}
}

func (h *defined[P]) Name() string           { return h.name }
func (h *defined[P]) Timeout() time.Duration { return h.timeout }

func (h *defined[P]) Decode(payload map[string]any) (any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &PayloadError{Action: h.name, Reason: err.Error()}
	}

	var p P
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &PayloadError{Action: h.name, Reason: err.Error()}
	}

	if v, ok := any(&p).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &PayloadError{Action: h.name, Reason: err.Error()}
		}
	}
	return p, nil
}

func (h *defined[P]) Execute(ctx context.Context, env Env, params any) (map[string]any, error) {
	p, ok := params.(P)
	if !ok {
		return nil, &PayloadError{Action: h.name, Reason: fmt.Sprintf("unexpected params type %T", params)}
	}

	env.capture(ctx, model.ArtifactBefore)

	out, err := h.run(ctx, env, p)
	if err != nil {
		env.capture(ctx, model.ArtifactError)
		return nil, err
	}

	env.capture(ctx, model.ArtifactAfter)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

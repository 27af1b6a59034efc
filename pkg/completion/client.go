// Package completion turns an editing context and an instruction into a code
// snippet by prompting a hosted model, cleaning the response, and retrying
// failed attempts on a fixed interval.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexkarev/coedit/pkg/telemetry"
)

// ErrExhausted indicates every attempt against the provider failed. It wraps
// the last attempt's error; callers must treat it as a failure outcome, never
// as generated code.
var ErrExhausted = errors.New("completion: retries exhausted")

const (
	defaultMaxAttempts = 3
	defaultInterval    = time.Second
)

// Request is one completion invocation from the editor.
type Request struct {
	// Code is the full content of the buffer being edited.
	Code string
	// Instruction is the user's natural-language ask.
	Instruction string
	// Language tags the buffer, e.g. "java".
	Language string
	// CursorLine is the 0-based line the cursor sits on. Only consulted
	// by the cursor indent policy.
	CursorLine int
}

// Options tunes a Client. Zero values fall back to the defaults: three
// attempts, one second apart, legacy indentation.
type Options struct {
	MaxAttempts uint
	Interval    time.Duration
	Indent      IndentPolicy
	// Telemetry may be nil; spans are then no-ops.
	Telemetry *telemetry.Manager
}

// Client drives the attempt/cleanup pipeline. At most one provider call is
// in flight per request; cancelling the context stops the retry loop.
type Client struct {
	provider    Provider
	prompts     *PromptSource
	maxAttempts uint
	interval    time.Duration
	indent      IndentPolicy
	tele        *telemetry.Manager
}

// NewClient wires a provider and a prompt source into a retrying client.
func NewClient(provider Provider, prompts *PromptSource, opts Options) *Client {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Indent == "" {
		opts.Indent = IndentLegacy
	}
	if prompts == nil {
		prompts = NewPromptSource()
	}
	return &Client{
		provider:    provider,
		prompts:     prompts,
		maxAttempts: opts.MaxAttempts,
		interval:    opts.Interval,
		indent:      opts.Indent,
		tele:        opts.Telemetry,
	}
}

// Complete renders the prompt, calls the provider until an attempt succeeds
// or the budget runs out, and normalizes the resulting snippet.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tele.StartSpan(ctx, "completion.complete",
		trace.WithAttributes(attribute.String("language", req.Language)))
	defer span.End()

	prompt, err := c.prompts.Render(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var attempts uint
	raw, err := backoff.Retry(ctx,
		func() (string, error) {
			attempts++
			return c.provider.Complete(ctx, prompt)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.interval)),
		backoff.WithMaxTries(c.maxAttempts),
	)
	span.SetAttributes(attribute.Int("attempts", int(attempts)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}

	snippet := StripFences(raw)
	switch c.indent {
	case IndentCursor:
		snippet = ReflowToIndent(snippet, LineIndent(req.Code, req.CursorLine))
	default:
		snippet = ReflowMinimum(snippet)
	}
	return snippet, nil
}

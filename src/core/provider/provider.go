package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"docchat/src/log"
)

// Error taxonomy surfaced by backend adapters. The router never propagates
// these upward; each one routes to the offline fallback instead.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrAuth        = errors.New("provider authentication failed")
	ErrRateLimited = errors.New("provider rate limited")
	ErrTimeout     = errors.New("provider timed out")
)

// ErrUnknownProvider is a validation failure, rejected before the pipeline
// starts.
var ErrUnknownProvider = errors.New("unknown provider")

// OfflineModel labels answers produced by the fallback path.
const OfflineModel = "offline"

// OfflineAnswer is the deterministic answer returned when no backend could
// be reached. Citations computed by retrieval stay attached; they do not
// depend on the model call.
const OfflineAnswer = "[offline] The language model service is currently unreachable. " +
	"The most relevant passages from your documents are listed in the citations."

const DefaultRetries = 1

// Prompt is a fully assembled model request.
type Prompt struct {
	System string
	User   string
}

// Provider is one language-model backend. The set of backends is closed:
// adding one means adding an implementation, not subclassing anything.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
	Stream(ctx context.Context, p Prompt, onToken func(token string) error) error
}

// Router dispatches across registered backends with explicit per-request
// selection and a process-wide default. An erroring backend is retried a
// bounded number of times and then replaced by the offline answer rather
// than failing the request.
type Router struct {
	providers   map[string]Provider
	defaultName string
	retries     int
}

func NewRouter(defaultName string, retries int) *Router {
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Router{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
		retries:     retries,
	}
}

// Register adds a backend. Not safe to call after the router is in use.
func (r *Router) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Has reports whether name resolves to a registered backend. The empty name
// resolves to the default.
func (r *Router) Has(name string) bool {
	_, err := r.resolve(name)
	return err == nil
}

// Names lists the registered backends in sorted order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName is the backend used when a request names none.
func (r *Router) DefaultName() string {
	return r.defaultName
}

func (r *Router) resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Complete returns the answer text and the model name that produced it.
// Backend failure after retries yields the offline answer, never an error,
// unless the caller canceled.
func (r *Router) Complete(ctx context.Context, name string, prompt Prompt) (string, string, error) {
	p, err := r.resolve(name)
	if err != nil {
		return "", "", err
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		answer, err := p.Complete(ctx, prompt)
		if err == nil {
			return answer, p.Name(), nil
		}
		if canceled(ctx, err) {
			return "", "", err
		}
		lastErr = err
		log.Debug("provider completion attempt failed",
			"provider", p.Name(), "attempt", attempt+1, "error", err.Error())
	}

	log.Error(lastErr, "provider exhausted retries, returning offline answer", "provider", p.Name())
	return OfflineAnswer, OfflineModel, nil
}

// Stream forwards tokens from the backend as they arrive. If the backend
// fails before any token was emitted, retries and then the offline answer
// are streamed instead. A failure after tokens went out is returned as-is;
// the stream is non-restartable.
func (r *Router) Stream(ctx context.Context, name string, prompt Prompt, onToken func(string) error) (string, error) {
	p, err := r.resolve(name)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		emitted := false
		err := p.Stream(ctx, prompt, func(token string) error {
			emitted = true
			return onToken(token)
		})
		if err == nil {
			return p.Name(), nil
		}
		if canceled(ctx, err) || emitted {
			return p.Name(), err
		}
		lastErr = err
		log.Debug("provider stream attempt failed",
			"provider", p.Name(), "attempt", attempt+1, "error", err.Error())
	}

	log.Error(lastErr, "provider exhausted retries, streaming offline answer", "provider", p.Name())
	for _, token := range offlineTokens() {
		if err := onToken(token); err != nil {
			return OfflineModel, err
		}
	}
	return OfflineModel, nil
}

func offlineTokens() []string {
	words := strings.Split(OfflineAnswer, " ")
	tokens := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			tokens[i] = w + " "
		} else {
			tokens[i] = w
		}
	}
	return tokens
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Package permission gates recording on the two authorizations a capture
// needs: speech recognition and microphone access.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status mirrors the authorization states a host reports.
type Status int

const (
	NotDetermined Status = iota
	Denied
	Restricted
	Authorized
)

func (s Status) String() string {
	switch s {
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	case Authorized:
		return "authorized"
	default:
		return "not_determined"
	}
}

var (
	ErrSpeechNotAuthorized    = errors.New("speech recognition not authorized")
	ErrMicrophoneNotPermitted = errors.New("microphone access not permitted")
)

// Authorizer performs one permission prompt.
type Authorizer interface {
	Authorize(ctx context.Context) (Status, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) (Status, error)

func (f AuthorizerFunc) Authorize(ctx context.Context) (Status, error) { return f(ctx) }

// Static always answers with the same status.
func Static(status Status) Authorizer {
	return AuthorizerFunc(func(context.Context) (Status, error) { return status, nil })
}

// Probe authorizes when probe succeeds and denies otherwise.
func Probe(probe func(ctx context.Context) error) Authorizer {
	return AuthorizerFunc(func(ctx context.Context) (Status, error) {
		if err := probe(ctx); err != nil {
			return Denied, err
		}
		return Authorized, nil
	})
}

// ParsePolicy maps a config policy string to a static authorizer. "probe" is
// resolved by the caller since it needs a concrete probe.
func ParsePolicy(policy string) (Authorizer, error) {
	switch policy {
	case "granted":
		return Static(Authorized), nil
	case "denied":
		return Static(Denied), nil
	case "restricted":
		return Static(Restricted), nil
	default:
		return nil, fmt.Errorf("unknown permission policy %q", policy)
	}
}

// Gate runs the speech and microphone prompts once, in that order, and
// remembers the combined outcome.
type Gate struct {
	speech     Authorizer
	microphone Authorizer
	log        *slog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func NewGate(speech, microphone Authorizer, log *slog.Logger) *Gate {
	return &Gate{
		speech:     speech,
		microphone: microphone,
		log:        log.With(slog.String("component", "permission-gate")),
		done:       make(chan struct{}),
	}
}

// Warm starts the handshake in the background so the first Request does not
// pay for the prompts.
func (g *Gate) Warm(ctx context.Context) {
	go func() {
		_ = g.Request(ctx)
	}()
}

// Request returns nil when both authorizations were granted. Only the first
// caller performs the prompts; everyone else waits for that outcome.
func (g *Gate) Request(ctx context.Context) error {
	g.once.Do(func() {
		// the outcome is shared, so a caller giving up must not cancel it
		hctx := context.WithoutCancel(ctx)
		go func() {
			g.err = g.handshake(hctx)
			close(g.done)
		}()
	})
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) handshake(ctx context.Context) error {
	status, err := g.speech.Authorize(ctx)
	if err != nil {
		g.log.Warn("speech authorization failed", slog.String("error", err.Error()))
	}
	if status != Authorized {
		g.log.Info("speech recognition not authorized", slog.String("status", status.String()))
		return ErrSpeechNotAuthorized
	}

	status, err = g.microphone.Authorize(ctx)
	if err != nil {
		g.log.Warn("microphone authorization failed", slog.String("error", err.Error()))
	}
	if status != Authorized {
		g.log.Info("microphone not permitted", slog.String("status", status.String()))
		return ErrMicrophoneNotPermitted
	}
	g.log.Debug("permissions granted")
	return nil
}

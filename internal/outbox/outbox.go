// Package outbox implements the transactional outbox: side effects that must
// follow a committed database change are written as rows in the same
// transaction and delivered at least once by a Relay.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

// Message is a pending side effect.
type Message struct {
	ID int64
	// Kind selects the handler.
	Kind string
	// DedupeKey is unique per logical effect; enqueueing the same key twice
	// keeps the first row.
	DedupeKey string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// NewMessage marshals payload into a Message.
func NewMessage(kind, dedupeKey string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "marshal %s payload", kind)
	}
	return Message{Kind: kind, DedupeKey: dedupeKey, Payload: data}, nil
}

// Store persists and leases outbox rows.
type Store interface {
	// Claim leases up to limit due messages until now+lease.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkDone(ctx context.Context, id int64) error
	// Retry reschedules a message; dead stops further delivery.
	Retry(ctx context.Context, id int64, reason string, next time.Time, dead bool) error
	// Complete marks the message with dedupeKey as delivered. It is used when
	// the effect already happened synchronously.
	Complete(ctx context.Context, dedupeKey string) error
}

// Handler delivers one message. It must be idempotent.
type Handler interface {
	Handle(ctx context.Context, m Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, m Message) error { return f(ctx, m) }

// JSONHandler decodes the payload into T before calling HandleFunc.
type JSONHandler[T any] struct {
	HandleFunc func(ctx context.Context, payload T) error
}

// Handle implements Handler. Undecodable payloads are permanent failures.
func (h JSONHandler[T]) Handle(ctx context.Context, m Message) error {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return Permanent(errors.Wrapf(err, "decode %s payload", m.Kind))
	}
	return h.HandleFunc(ctx, v)
}

// ErrNoHandler is returned for a kind nobody registered.
var ErrNoHandler = errors.New("no handler registered")

// Router dispatches messages by kind.
type Router struct {
	handlers map[string]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register associates kind with h, replacing any previous handler.
func (r *Router) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Kinds returns the registered kinds.
func (r *Router) Kinds() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, m Message) error {
	h, ok := r.handlers[m.Kind]
	if !ok {
		return Permanent(errors.Wrapf(ErrNoHandler, "kind %q", m.Kind))
	}
	return h.Handle(ctx, m)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Publisher forwards a message to an external broker.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Publish returns a Handler that forwards messages to p unchanged.
func Publish(p Publisher) Handler {
	return HandlerFunc(p.Publish)
}

package stream

import (
	"context"
	"net/http"
	"time"
)

const (
	// DefaultMaxRetry caps the reconnect backoff when Options.MaxRetry is zero.
	DefaultMaxRetry = 5 * time.Second
	baseRetry       = 500 * time.Millisecond
	minRetry        = 250 * time.Millisecond
)

// TokenSource resolves the bearer credential before each connection attempt.
// An empty token selects the plain strategy.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function, such as a lookup in a connection registry.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Options configure one Connect call.
type Options struct {
	// Replay asks the server for the last N events when not resuming by id.
	Replay int
	// Prefix values are forwarded as repeated prefix= query parameters.
	Prefix []string
	Token  TokenSource
	// MaxRetry caps the backoff. Zero means DefaultMaxRetry.
	MaxRetry time.Duration
	// Header is copied onto every stream request.
	Header http.Header
	// LastEventID seeds the resume cursor when the client has not seen an
	// id for this base yet.
	LastEventID string
}

func (o Options) maxRetry() time.Duration {
	if o.MaxRetry <= 0 {
		return DefaultMaxRetry
	}
	if o.MaxRetry < minRetry {
		return minRetry
	}
	return o.MaxRetry
}

func (o Options) token(ctx context.Context) (string, error) {
	if o.Token == nil {
		return "", nil
	}
	return o.Token.Token(ctx)
}

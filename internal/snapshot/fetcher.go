// Package snapshot fetches full read-model state over HTTP. Snapshots seed
// the store before streaming starts and are refetched on a schedule so a
// missed patch cannot leave a snapshot wrong forever.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/readmodel"
	"github.com/marcus-qen/rmsync/internal/stream"
	"github.com/marcus-qen/rmsync/internal/telemetry"
)

const (
	defaultTimeout     = 15 * time.Second
	maxSnapshotBytes   = 32 << 20
	errorBodyMaxLength = 256
)

// StatusError is returned when the service answers a fetch with a non-2xx
// status.
type StatusError struct {
	ID         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch snapshot %s: status %d %s", e.ID, e.StatusCode, e.Body)
}

// Target receives fetched snapshots. *readmodel.Store satisfies it.
type Target interface {
	Get(id string) (*readmodel.Value, bool)
	Replace(id string, snapshot *readmodel.Value)
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRoutes overrides the path fetched for individual ids.
func WithRoutes(routes map[string]string) FetcherOption {
	return func(f *Fetcher) {
		for id, p := range routes {
			f.routes[id] = p
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) FetcherOption {
	return func(f *Fetcher) { f.http = hc }
}

// Fetcher loads snapshots from GET {base}/state/{id}.
type Fetcher struct {
	base   string
	token  stream.TokenSource
	routes map[string]string
	http   *http.Client
	logger *zap.Logger
}

// NewFetcher creates a fetcher. token may be nil.
func NewFetcher(base string, token stream.TokenSource, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		routes: make(map[string]string),
		logger: logger,
	}
	for _, o := range opts {
		o(f)
	}
	if f.http == nil {
		f.http = telemetry.HTTPClient(defaultTimeout)
	}
	return f
}

// URL returns the address fetched for id.
func (f *Fetcher) URL(id string) string {
	route, ok := f.routes[id]
	if !ok || route == "" {
		route = "/state/" + id
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return f.base + route
}

// Fetch loads the current snapshot for id.
func (f *Fetcher) Fetch(ctx context.Context, id string) (snap *readmodel.Value, err error) {
	ctx, span := telemetry.StartFetchSpan(ctx, id, "fetch")
	defer func() { telemetry.EndSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != nil {
		token, err := f.token.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve token: %w", err)
		}
		stream.ApplyCredentials(req.Header, token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyMaxLength))
		return nil, &StatusError{ID: id, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	snap, err = readmodel.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return snap, nil
}

// Seed fetches every id into target. An id whose fetch fails starts from an
// empty object unless target already holds it. Failures are logged, not
// returned.
func (f *Fetcher) Seed(ctx context.Context, target Target, ids []string) {
	for _, id := range ids {
		snap, err := f.Fetch(ctx, id)
		if err != nil {
			f.logger.Warn("snapshot fetch failed, starting empty",
				zap.String("read_model", id),
				zap.Error(err),
			)
			if _, ok := target.Get(id); ok {
				continue
			}
			snap = readmodel.Object()
		}
		target.Replace(id, snap)
	}
}

// Package client wires the stream transport, the read-model store and the
// event broker into one service object with a start/stop lifecycle.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/config"
	"github.com/marcus-qen/rmsync/internal/events"
	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"github.com/marcus-qen/rmsync/internal/readmodel"
	"github.com/marcus-qen/rmsync/internal/snapshot"
	"github.com/marcus-qen/rmsync/internal/stream"
	"github.com/marcus-qen/rmsync/internal/telemetry"
)

// ErrStarted is returned by Start on a client that is already running.
var ErrStarted = errors.New("client already started")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records metrics for every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithToken overrides the configured admin token, e.g. with a TokenFunc
// that looks the credential up per connection attempt.
func WithToken(ts stream.TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithHTTPClient uses hc for both the stream and snapshot fetches. It must
// not set an overall timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDropFunc observes patch operations the store could not apply.
func WithDropFunc(fn readmodel.DropFunc) Option {
	return func(c *Client) { c.onDrop = fn }
}

// WithLastEventID resumes the first connection after id instead of
// replaying.
func WithLastEventID(id string) Option {
	return func(c *Client) { c.lastEventID = id }
}

// Client is the read-model client. Create one per service connection and
// share it; separate instances are fully isolated.
type Client struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	token   stream.TokenSource
	http    *http.Client
	onDrop  readmodel.DropFunc

	lastEventID string

	store   *readmodel.Store
	broker  *events.Broker
	stream  *stream.Client
	fetcher *snapshot.Fetcher
	resync  *snapshot.Resyncer

	mu      sync.Mutex
	started bool
}

// New builds a stopped client from cfg.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Client{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.token == nil && cfg.HasAuth() {
		c.token = stream.StaticToken(cfg.AdminToken)
	}

	c.store = readmodel.NewStore(c.logger.Named("store"),
		readmodel.WithMetrics(c.metrics),
		readmodel.WithDropFunc(c.dropped),
	)
	c.broker = events.NewBroker(c.logger.Named("events"), c.metrics)

	streamOpts := []stream.Option{stream.WithMetrics(c.metrics)}
	fetchOpts := []snapshot.FetcherOption{snapshot.WithRoutes(cfg.Routes)}
	if c.http != nil {
		streamOpts = append(streamOpts, stream.WithHTTPClient(c.http))
		fetchOpts = append(fetchOpts, snapshot.WithHTTPClient(c.http))
	}
	c.stream = stream.New(c.Dispatch, c.logger.Named("stream"), streamOpts...)
	c.fetcher = snapshot.NewFetcher(cfg.BaseURL, c.token, c.logger.Named("snapshot"), fetchOpts...)

	if cfg.ResyncSchedule != "" {
		r, err := snapshot.NewResyncer(c.fetcher, c.store, cfg.Models, cfg.ResyncSchedule, c.logger.Named("resync"))
		if err != nil {
			return nil, err
		}
		c.resync = r
	}
	return c, nil
}

// Store returns the read-model store.
func (c *Client) Store() *readmodel.Store { return c.store }

// Broker returns the kind-based event broker.
func (c *Client) Broker() *events.Broker { return c.broker }

// Stream returns the stream transport.
func (c *Client) Stream() *stream.Client { return c.stream }

// Fetcher returns the snapshot fetcher.
func (c *Client) Fetcher() *snapshot.Fetcher { return c.fetcher }

// Start seeds the configured models, opens the event stream and starts the
// resync schedule. It returns once the stream goroutine is running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	if len(c.cfg.Models) > 0 {
		c.fetcher.Seed(ctx, c.store, c.cfg.Models)
	}

	err := c.stream.Connect(ctx, c.cfg.BaseURL, c.streamOptions(), false)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("connect event stream: %w", err)
	}
	if c.resync != nil {
		c.resync.Start(ctx)
	}
	c.logger.Info("read-model client started",
		zap.String("base", c.cfg.BaseURL),
		zap.Strings("models", c.cfg.Models),
		zap.Bool("auth", c.token != nil),
	)
	return nil
}

// Close stops the stream and the resync schedule. The client can be started
// again afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	if c.resync != nil {
		c.resync.Stop()
	}
	c.stream.Close()
}

// Dispatch routes one envelope: patch envelopes update the store, then every
// envelope goes to kind subscribers.
func (c *Client) Dispatch(env protocol.Envelope) {
	if env.Kind == protocol.KindReadModelPatch {
		c.applyPatch(env)
	}
	c.broker.Dispatch(env)
}

// Status returns the stream status.
func (c *Client) Status() stream.Status { return c.stream.Status() }

// Indicator renders the stream status using the configured stale window.
func (c *Client) Indicator(now time.Time) stream.Indicator {
	return stream.Describe(c.stream.Status(), now, c.cfg.StaleAfter)
}

func (c *Client) applyPatch(env protocol.Envelope) {
	id, ops, ok := env.Env.ReadModelPatch()
	if !ok {
		c.logger.Debug("patch envelope without read model id",
			zap.String("event_id", env.EventID),
		)
		return
	}
	_, span := telemetry.StartApplySpan(context.Background(), id, len(ops))
	applied := c.store.Apply(id, ops)
	telemetry.EndApplySpan(span, applied)
}

func (c *Client) dropped(id string, op protocol.PatchOp, err error) {
	c.logger.Warn("patch op dropped",
		zap.String("read_model", id),
		zap.String("op", string(op.Op)),
		zap.String("path", op.Path),
		zap.Error(err),
	)
	if c.onDrop != nil {
		c.onDrop(id, op, err)
	}
}

func (c *Client) streamOptions() stream.Options {
	return stream.Options{
		Replay:   c.cfg.Replay,
		Prefix:   c.cfg.Prefixes,
		Token:    c.token,
		MaxRetry: c.cfg.MaxRetry,

		LastEventID: c.lastEventID,
	}
}

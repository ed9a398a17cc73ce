// Package stream maintains the live event-stream connection to the service.
//
// A Client owns at most one connection generation at a time. Each generation
// runs a supervisor goroutine that opens the stream, hands frames from a
// reader goroutine to the sink in arrival order, and reconnects with
// exponential backoff until Close is called.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"github.com/marcus-qen/rmsync/internal/sse"
	"github.com/marcus-qen/rmsync/internal/telemetry"
)

const errorBodyMaxLength = 256

var errStreamEnded = errors.New("event stream ended")

// Sink receives every decoded envelope, including local status envelopes.
// It is called from the connection goroutine and must not call Connect,
// Reconnect or Close synchronously.
type Sink func(env protocol.Envelope)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. It must not set an overall
// timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

type generation struct {
	id     string
	base   string
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}
	online chan struct{}
}

// Client supervises the event stream.
type Client struct {
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	http    *http.Client
	now     func() time.Time

	// opMu serializes Connect, Reconnect and Close.
	opMu sync.Mutex

	mu          sync.Mutex
	gen         *generation
	status      Status
	lastBase    string
	lastOpts    Options
	lastEventID string
	backoff     backoff
}

// New creates an idle client delivering envelopes to sink.
func New(sink Sink, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = telemetry.HTTPClient(0)
	}
	c.status = Status{State: StateIdle, Changed: c.now()}
	return c
}

// Connect replaces any current connection with a new one to base. When
// resume is set, base is unchanged and an event id has been seen, the server
// is asked to continue after that id; otherwise opts.Replay events are
// requested. Connect returns once the connection goroutine is started;
// transport failures are retried and only visible through Status.
func (c *Client) Connect(ctx context.Context, base string, opts Options, resume bool) error {
	if _, err := eventsURL(base, opts, ""); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stop()

	c.mu.Lock()
	if c.lastBase != base {
		c.lastEventID = ""
		resume = false
	}
	if c.lastEventID == "" && opts.LastEventID != "" {
		c.lastEventID = opts.LastEventID
		resume = true
	}
	c.lastBase = base
	c.lastOpts = opts
	c.backoff = newBackoff(opts.maxRetry())

	genCtx, cancel := context.WithCancel(ctx)
	gen := &generation{
		id:     uuid.NewString(),
		base:   base,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
		online: make(chan struct{}, 1),
	}
	c.gen = gen
	c.mu.Unlock()

	go c.run(genCtx, gen, resume)
	return nil
}

// Reconnect reconnects to the previous base with the previous options,
// resuming after the last seen event id.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	base, opts := c.lastBase, c.lastOpts
	c.mu.Unlock()
	if base == "" {
		return errors.New("reconnect: never connected")
	}
	return c.Connect(ctx, base, opts, true)
}

// Close tears down the connection and cancels any pending reconnect. The
// state settles at closed.
func (c *Client) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stop()

	c.mu.Lock()
	if c.status.State == StateClosed {
		c.mu.Unlock()
		return
	}
	st := c.setStateLocked(StateClosed, 0)
	c.mu.Unlock()
	c.emit(st)
}

// NotifyOnline reports that network connectivity was restored. A pending
// reconnect fires immediately; the signal is consumed by at most one attempt.
func (c *Client) NotifyOnline() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if gen == nil {
		return
	}
	select {
	case gen.online <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	if st.Last != nil {
		last := *st.Last
		st.Last = &last
	}
	return st
}

// LastEventID returns the id of the most recent frame that carried one.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// stop cancels the current generation and waits for it to exit.
func (c *Client) stop() {
	c.mu.Lock()
	gen := c.gen
	c.gen = nil
	c.mu.Unlock()
	if gen == nil {
		return
	}
	gen.cancel()
	<-gen.done
}

func (c *Client) run(ctx context.Context, gen *generation, resume bool) {
	defer close(gen.done)
	defer func() {
		// The parent context ending counts as a caller-initiated close.
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.gen = nil
		st := c.setStateLocked(StateClosed, 0)
		c.mu.Unlock()
		c.emit(st)
	}()

	log := c.logger.With(zap.String("generation", gen.id), zap.String("base", gen.base))
	for {
		select {
		case <-gen.online:
		default:
		}

		c.transition(gen, StateConnecting, 0)
		err := c.attempt(ctx, gen, resume, log)
		if ctx.Err() != nil {
			return
		}
		resume = true

		c.mu.Lock()
		delay := c.backoff.fail()
		c.mu.Unlock()
		c.transition(gen, StateError, delay)
		c.metrics.RecordReconnect()
		log.Warn("event stream failed, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-gen.online:
			timer.Stop()
			log.Info("network restored, reconnecting now")
		case <-timer.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, gen *generation, resume bool, log *zap.Logger) (err error) {
	c.mu.Lock()
	after := ""
	if resume {
		after = c.lastEventID
	}
	c.mu.Unlock()

	attemptID := uuid.NewString()
	ctx, span := telemetry.StartConnectSpan(ctx, attemptID, gen.base, after != "")
	frames := 0
	defer func() { telemetry.EndConnectSpan(span, frames, err) }()

	token, err := gen.opts.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	strat := selectStrategy(token)

	target, err := eventsURL(gen.base, gen.opts, after)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range gen.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if after != "" {
		req.Header.Set("Last-Event-ID", after)
	}
	strat.prepare(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyMaxLength))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	c.mu.Lock()
	if c.gen == gen {
		c.backoff.reset()
	}
	c.mu.Unlock()
	c.transition(gen, StateOpen, 0)
	log.Info("event stream open",
		zap.String("attempt", attemptID),
		zap.String("strategy", strat.name()),
		zap.String("after", after),
	)

	frameCh := make(chan sse.Frame)
	errCh := make(chan error, 1)
	go func() {
		dec := sse.NewDecoder(resp.Body)
		for {
			f, err := dec.Next()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frameCh <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return fmt.Errorf("read stream: %w", err)
		case f := <-frameCh:
			frames++
			c.handleFrame(gen, f)
		}
	}
}

func (c *Client) handleFrame(gen *generation, f sse.Frame) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if f.HasID {
		c.lastEventID = f.ID
		c.status.LastEventID = f.ID
	}
	if f.HasRetry {
		c.backoff.advise(f.Retry)
	}
	if !f.HasData {
		c.mu.Unlock()
		return
	}

	now := c.now()
	env := protocol.DecodeEnv([]byte(f.Data))
	kind := protocol.Kind(f.Event)
	if kind == "" || kind == "message" {
		kind = protocol.Kind(env.Kind)
	}
	if kind == "" {
		kind = protocol.KindUnknown
	}
	out := protocol.Envelope{Kind: kind, Env: env, EventID: f.ID, Received: now}
	c.status.Last = &LastEvent{Kind: kind, Data: env.Data, Raw: env.Raw, Time: now}
	c.mu.Unlock()

	c.metrics.RecordEvent(string(kind))
	if c.sink != nil {
		c.sink(out)
	}
}

// transition records a state change for gen and emits it. Superseded
// generations are ignored.
func (c *Client) transition(gen *generation, state State, retryIn time.Duration) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	st := c.setStateLocked(state, retryIn)
	c.mu.Unlock()
	c.emit(st)
}

func (c *Client) setStateLocked(state State, retryIn time.Duration) Status {
	c.status.State = state
	c.status.Changed = c.now()
	c.status.RetryIn = retryIn
	c.status.Base = c.lastBase
	c.metrics.SetState(string(state))
	return c.status
}

func (c *Client) emit(st Status) {
	if c.sink == nil {
		return
	}
	c.sink(statusEnvelope(st))
}

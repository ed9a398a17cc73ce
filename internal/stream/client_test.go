package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
)

// recorder collects everything the client hands to its sink.
type recorder struct {
	ch chan protocol.Envelope
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Envelope, 256)}
}

func (r *recorder) sink(env protocol.Envelope) {
	select {
	case r.ch <- env:
	default:
	}
}

func (r *recorder) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return protocol.Envelope{}
}

// waitState consumes envelopes until a status envelope with state arrives.
func (r *recorder) waitState(t *testing.T, state State) protocol.StatusPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-r.ch:
			if env.Kind != protocol.KindStatus {
				continue
			}
			st := statusPayload(t, env)
			if st.State == string(state) {
				return st
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", state)
		}
	}
}

// states consumes n status envelopes and returns their states in order.
func (r *recorder) states(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	deadline := time.After(8 * time.Second)
	for len(out) < n {
		select {
		case env := <-r.ch:
			if env.Kind == protocol.KindStatus {
				out = append(out, statusPayload(t, env).State)
			}
		case <-deadline:
			t.Fatalf("timeout after states %v", out)
		}
	}
	return out
}

func statusPayload(t *testing.T, env protocol.Envelope) protocol.StatusPayload {
	t.Helper()
	var st protocol.StatusPayload
	if err := json.Unmarshal(env.Env.Payload, &st); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	return st
}

// eventServer serves /events, calling handle with the 1-based attempt number.
type eventServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
	quit     chan struct{}
}

func newEventServer(t *testing.T, handle func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int)) *eventServer {
	t.Helper()
	s := &eventServer{quit: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		attempt := len(s.requests)
		s.mu.Unlock()
		handle(s, w, r, attempt)
	}))
	t.Cleanup(func() {
		close(s.quit)
		s.Server.Close()
	})
	return s
}

func (s *eventServer) request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}

func (s *eventServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// hold keeps a stream open until the client goes away or the test ends.
func (s *eventServer) hold(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-s.quit:
	}
}

func openStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func writeFrame(w http.ResponseWriter, frame string) {
	fmt.Fprint(w, frame)
	w.(http.Flusher).Flush()
}

func newTestClient(t *testing.T, rec *recorder, opts ...Option) *Client {
	t.Helper()
	c := New(rec.sink, zap.NewNop(), opts...)
	t.Cleanup(c.Close)
	return c
}

func TestConnectDeliversEnvelopes(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		writeFrame(w, ": hello\n\n")
		writeFrame(w, "id: 1\ndata: {\"kind\":\"models.changed\",\"payload\":{\"n\":1}}\n\n")
		writeFrame(w, "event: service.health\nid: 2\ndata: {\"ok\":true}\n\n")
		writeFrame(w, "id: 3\ndata: not json\n\n")
		s.hold(r)
	})

	reg := metrics.New(nil)
	rec := newRecorder()
	c := newTestClient(t, rec, WithMetrics(reg))

	err := c.Connect(context.Background(), srv.URL, Options{
		Replay: 5,
		Prefix: []string{"models.", "service."},
	}, false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	rec.waitState(t, StateOpen)

	env := rec.next(t)
	if env.Kind != protocol.KindModelsChanged || env.EventID != "1" {
		t.Fatalf("expected models.changed id 1, got %s id %q", env.Kind, env.EventID)
	}
	env = rec.next(t)
	if env.Kind != protocol.KindServiceHealth {
		t.Fatalf("expected event: line to name the kind, got %s", env.Kind)
	}
	env = rec.next(t)
	if env.Kind != protocol.KindUnknown || env.Env.Raw != "not json" {
		t.Fatalf("expected raw unknown envelope, got %s raw %q", env.Kind, env.Env.Raw)
	}

	q := srv.request(0).URL.Query()
	if q.Get("replay") != "5" || q.Get("after") != "" {
		t.Fatalf("expected replay=5 without after, got %s", q.Encode())
	}
	if got := q["prefix"]; len(got) != 2 || got[0] != "models." || got[1] != "service." {
		t.Fatalf("expected both prefixes forwarded, got %v", got)
	}
	if h := srv.request(0).Header.Get("Authorization"); h != "" {
		t.Fatalf("expected plain strategy without credentials, got %q", h)
	}

	st := c.Status()
	if st.State != StateOpen {
		t.Fatalf("expected open, got %s", st.State)
	}
	if st.LastEventID != "3" || c.LastEventID() != "3" {
		t.Fatalf("expected last event id 3, got %q", st.LastEventID)
	}
	if st.Last == nil || st.Last.Kind != protocol.KindUnknown || st.Last.Raw != "not json" {
		t.Fatalf("unexpected last event %+v", st.Last)
	}
	if v := testutil.ToFloat64(reg.EventsTotal.WithLabelValues("models.changed")); v != 1 {
		t.Fatalf("expected events metric 1, got %v", v)
	}
	if v := testutil.ToFloat64(reg.ConnectionState.WithLabelValues("open")); v != 1 {
		t.Fatalf("expected open state gauge 1, got %v", v)
	}
}

func TestAuthStrategyAttachesCredentials(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	err := c.Connect(context.Background(), srv.URL, Options{
		Token: TokenFunc(func(ctx context.Context) (string, error) { return "s3cret", nil }),
	}, false)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)

	h := srv.request(0).Header
	if h.Get(AdminHeader) != "s3cret" {
		t.Fatalf("expected admin header, got %q", h.Get(AdminHeader))
	}
	if h.Get("Authorization") != "Bearer s3cret" {
		t.Fatalf("expected bearer header, got %q", h.Get("Authorization"))
	}
	if h.Get("Accept") != "text/event-stream" {
		t.Fatalf("expected event-stream accept header, got %q", h.Get("Accept"))
	}
}

func TestAuthStrategyKeepsCallerAuthorization(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	header := http.Header{}
	header.Set("Authorization", "Basic abc")
	if err := c.Connect(context.Background(), srv.URL, Options{
		Token:  StaticToken("tok"),
		Header: header,
	}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)

	h := srv.request(0).Header
	if h.Get("Authorization") != "Basic abc" {
		t.Fatalf("expected caller Authorization to win, got %q", h.Get("Authorization"))
	}
	if h.Get(AdminHeader) != "tok" {
		t.Fatalf("expected admin header, got %q", h.Get(AdminHeader))
	}
}

func TestReconnectAfterDropResumesFromLastID(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		if attempt == 1 {
			writeFrame(w, "id: 41\ndata: {\"kind\":\"models.changed\"}\n\n")
			return
		}
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{Replay: 10}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got := rec.states(t, 5)
	want := []string{"connecting", "open", "error", "connecting", "open"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}

	second := srv.request(1)
	if second == nil {
		t.Fatal("expected a second request")
	}
	if after := second.URL.Query().Get("after"); after != "41" {
		t.Fatalf("expected after=41, got %q", after)
	}
	if second.URL.Query().Has("replay") {
		t.Fatalf("expected no replay when resuming, got %s", second.URL.RawQuery)
	}
	if h := second.Header.Get("Last-Event-ID"); h != "41" {
		t.Fatalf("expected Last-Event-ID 41, got %q", h)
	}
}

func TestErrorStatusCarriesBackoffAndResetsAfterOpen(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		switch attempt {
		case 1, 2:
			http.Error(w, "warming up", http.StatusServiceUnavailable)
		case 3:
			openStream(w)
		default:
			openStream(w)
			s.hold(r)
		}
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var delays []int64
	for len(delays) < 3 {
		st := rec.waitState(t, StateError)
		delays = append(delays, st.RetryMS)
	}
	want := []int64{500, 1000, 500}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("expected retry delays %v, got %v", want, delays)
		}
	}
	rec.waitState(t, StateOpen)
}

func TestRetryHintRaisesNextDelay(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		if attempt == 1 {
			writeFrame(w, "retry: 1500\n\n")
			return
		}
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{MaxRetry: 5 * time.Second}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := rec.waitState(t, StateError)
	if st.RetryMS < 1500 {
		t.Fatalf("expected retry of at least 1500ms, got %d", st.RetryMS)
	}
	if got := c.Status().RetryIn; got != 1500*time.Millisecond {
		t.Fatalf("expected status retry 1.5s, got %s", got)
	}
}

func TestRetryHintClampedToMax(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		if attempt == 1 {
			writeFrame(w, "retry: 60000\n\n")
			return
		}
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{MaxRetry: 800 * time.Millisecond}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := rec.waitState(t, StateError); st.RetryMS != 800 {
		t.Fatalf("expected retry clamped to 800ms, got %d", st.RetryMS)
	}
}

func TestCloseSettlesClosedWithoutRetry(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)

	c.Close()
	rec.waitState(t, StateClosed)
	if st := c.Status(); st.State != StateClosed {
		t.Fatalf("expected closed, got %s", st.State)
	}

	time.Sleep(700 * time.Millisecond)
	if n := srv.count(); n != 1 {
		t.Fatalf("expected no reconnect after close, got %d requests", n)
	}
	for {
		select {
		case env := <-rec.ch:
			if env.Kind == protocol.KindStatus {
				t.Fatalf("expected no status after close, got %s", statusPayload(t, env).State)
			}
		default:
			return
		}
	}
}

func TestContextCancelClosesConnection(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Connect(ctx, srv.URL, Options{}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)
	cancel()
	rec.waitState(t, StateClosed)
}

func TestReconnectRequestsResume(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		if attempt == 1 {
			writeFrame(w, "id: 9\ndata: {}\n\n")
		}
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{Replay: 3}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)
	rec.next(t)

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	rec.waitState(t, StateOpen)

	if after := srv.request(1).URL.Query().Get("after"); after != "9" {
		t.Fatalf("expected after=9, got %q", after)
	}
}

func TestConnectToNewBaseDropsResume(t *testing.T) {
	first := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		writeFrame(w, "id: 9\ndata: {}\n\n")
		s.hold(r)
	})
	second := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), first.URL, Options{}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)
	rec.next(t)

	if err := c.Connect(context.Background(), second.URL, Options{Replay: 2}, true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)

	q := second.request(0).URL.Query()
	if q.Get("after") != "" || q.Get("replay") != "2" {
		t.Fatalf("expected fresh replay on a new base, got %s", q.Encode())
	}
}

func TestLastEventIDOptionSeedsResume(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{Replay: 4, LastEventID: "77"}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateOpen)

	req := srv.request(0)
	if after := req.URL.Query().Get("after"); after != "77" {
		t.Fatalf("expected after=77, got %q", after)
	}
	if req.URL.Query().Has("replay") {
		t.Fatalf("expected no replay when resuming, got %s", req.URL.RawQuery)
	}
	if h := req.Header.Get("Last-Event-ID"); h != "77" {
		t.Fatalf("expected Last-Event-ID 77, got %q", h)
	}
}

func TestNotifyOnlineSkipsBackoff(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		if attempt == 1 {
			writeFrame(w, "retry: 5000\n\n")
			return
		}
		s.hold(r)
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := rec.waitState(t, StateError); st.RetryMS != 5000 {
		t.Fatalf("expected 5s backoff, got %d", st.RetryMS)
	}

	start := time.Now()
	c.NotifyOnline()
	rec.waitState(t, StateOpen)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected immediate reconnect, took %s", elapsed)
	}
}

func TestTokenErrorIsRetried(t *testing.T) {
	srv := newEventServer(t, func(s *eventServer, w http.ResponseWriter, r *http.Request, attempt int) {
		openStream(w)
		s.hold(r)
	})

	var mu sync.Mutex
	calls := 0
	token := TokenFunc(func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", fmt.Errorf("registry unavailable")
		}
		return "late", nil
	})

	rec := newRecorder()
	c := newTestClient(t, rec)
	if err := c.Connect(context.Background(), srv.URL, Options{Token: token}, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec.waitState(t, StateError)
	rec.waitState(t, StateOpen)
	if h := srv.request(0).Header.Get("Authorization"); h != "Bearer late" {
		t.Fatalf("expected resolved token on retry, got %q", h)
	}
}

func TestConnectRejectsBadBase(t *testing.T) {
	c := New(nil, zap.NewNop())
	if err := c.Connect(context.Background(), "ftp://example", Options{}, false); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if st := c.Status(); st.State != StateIdle {
		t.Fatalf("expected idle, got %s", st.State)
	}
}

func TestEventsURL(t *testing.T) {
	got, err := eventsURL("http://localhost:8091/", Options{Replay: 0, Prefix: []string{"state.", ""}}, "")
	if err != nil {
		t.Fatalf("eventsURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Path != "/events" {
		t.Fatalf("expected /events, got %s", u.Path)
	}
	if u.Query().Get("replay") != "0" || len(u.Query()["prefix"]) != 1 {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
}

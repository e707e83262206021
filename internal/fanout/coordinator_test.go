package fanout_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loglimit/internal/channel"
	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/limits"
	"github.com/linnemanlabs/loglimit/internal/memstore"
)

// recordingChannel records every message and fails or stalls per address.
type recordingChannel struct {
	kind string

	mu       sync.Mutex
	sent     []*channel.Message
	failures map[string]int // address -> remaining failures
	inFlight int
	maxSeen  int

	block   bool          // wait for ctx.Done
	hold    chan struct{} // if set, wait for close before sending
	panicOn string
}

func newRecordingChannel(kind string) *recordingChannel {
	return &recordingChannel{kind: kind, failures: make(map[string]int)}
}

func (c *recordingChannel) Kind() string { return c.kind }

func (c *recordingChannel) Send(ctx context.Context, msg *channel.Message) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.hold != nil {
		<-c.hold
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if msg.Address == c.panicOn {
		panic("channel exploded")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.failures[msg.Address]; n > 0 {
		c.failures[msg.Address] = n - 1
		return fmt.Errorf("smtp: 451 mailbox busy for %s", msg.Address)
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) Sent() []*channel.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]*channel.Message(nil), c.sent...)
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (c *recordingChannel) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeen
}

type deliveryEvent struct {
	kind, outcome string
}

// hookRecorder captures coordinator hook calls.
type hookRecorder struct {
	mu         sync.Mutex
	deliveries []deliveryEvent
	fanouts    []string
}

func (h *hookRecorder) hooks() fanout.Hooks {
	return fanout.Hooks{
		OnDelivery: func(kind, outcome string, _ float64) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.deliveries = append(h.deliveries, deliveryEvent{kind, outcome})
		},
		OnFanout: func(result string, _ int, _ float64) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fanouts = append(h.fanouts, result)
		},
	}
}

func (h *hookRecorder) count(kind, outcome string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, d := range h.deliveries {
		if d.kind == kind && d.outcome == outcome {
			n++
		}
	}
	return n
}

type failingDirectory struct{ err error }

func (d failingDirectory) LookupSubscribers(context.Context, *limits.Alert) ([]limits.Subscriber, error) {
	return nil, d.err
}

func testAlert() *limits.Alert {
	return &limits.Alert{
		ID:            42,
		LogLimitID:    7,
		ExceededValue: 12.5,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// newFixture returns a store with subscribers 1 and 2 on limit 7 by email and
// a registry serving email through ch.
func newFixture(t *testing.T) (*memstore.Store, *channel.Registry, *recordingChannel) {
	t.Helper()
	store := memstore.New()
	store.AddSubscriber(limits.Subscriber{ID: 1, LogLimitID: 7, NotificationType: "email", NotificationAddress: "a@x.com"})
	store.AddSubscriber(limits.Subscriber{ID: 2, LogLimitID: 7, NotificationType: "email", NotificationAddress: "b@x.com"})
	store.AddSubscriber(limits.Subscriber{ID: 3, LogLimitID: 8, NotificationType: "email", NotificationAddress: "other@x.com"})

	ch := newRecordingChannel("email")
	reg := channel.NewRegistry()
	reg.Register(ch)
	return store, reg, ch
}

func deliveredPairs(t *testing.T, store *memstore.Store, alertID int64) []int64 {
	t.Helper()
	recs, err := store.ListDeliveries(context.Background(), alertID)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	subs := make([]int64, 0, len(recs))
	for _, r := range recs {
		if r.LogLimitAlertID != alertID {
			t.Errorf("record %+v has wrong alert", r)
		}
		subs = append(subs, r.NotificationLookupID)
	}
	return subs
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

//  Constructor

func TestNewCoordinator_NilDeps_Panics(t *testing.T) {
	t.Parallel()

	store, reg, _ := newFixture(t)
	tests := []struct {
		name string
		dir  fanout.Directory
		led  fanout.Ledger
		disp fanout.Dispatcher
	}{
		{"nil directory", nil, store, reg},
		{"nil ledger", store, nil, reg},
		{"nil dispatcher", store, store, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatal("NewCoordinator did not panic")
				}
			}()
			fanout.NewCoordinator(tt.dir, tt.led, tt.disp, nil, fanout.Options{})
		})
	}
}

//  Fan-out behavior

func TestHandleAlert_DeliversToEverySubscriber(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	rec := &hookRecorder{}
	c := fanout.NewCoordinator(store, store, reg, log.Nop(), fanout.Options{Hooks: rec.hooks()})

	report := c.HandleAlert(context.Background(), testAlert())

	if report.Result() != fanout.ResultOK {
		t.Errorf("result = %q, want ok", report.Result())
	}
	if report.Subscribers != 2 || report.Delivered != 2 || report.Failed != 0 || report.Skipped != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.RunID == "" || report.AlertID != 42 {
		t.Errorf("report ids = %q/%d", report.RunID, report.AlertID)
	}

	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("delivery records for alert 42 = %v, want [1 2]", got)
	}

	sent := ch.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
	for i, addr := range []string{"a@x.com", "b@x.com"} {
		m := sent[i]
		if m.Address != addr || m.Title != "Log Limit Alert" || m.LogLimitID != 7 || m.ExceededValue != 12.5 {
			t.Errorf("message %d = %+v", i, m)
		}
		if !m.Timestamp.Equal(testAlert().CreatedAt) {
			t.Errorf("message %d timestamp = %v", i, m.Timestamp)
		}
	}

	if got := rec.count("email", fanout.OutcomeDelivered); got != 2 {
		t.Errorf("delivered hooks = %d, want 2", got)
	}
}

func TestHandleAlert_SecondRunSkipsDelivered(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{})

	c.HandleAlert(context.Background(), testAlert())
	report := c.HandleAlert(context.Background(), testAlert())

	if report.Skipped != 2 || report.Delivered != 0 {
		t.Errorf("second run report = %+v, want 2 skipped", report)
	}
	if got := len(ch.Sent()); got != 2 {
		t.Errorf("sent = %d, want 2 across both runs", got)
	}
	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("records = %v, want [1 2]", got)
	}
}

func TestHandleAlert_ConcurrentRunsDeliverOnce(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := int64(1); i <= 20; i++ {
		store.AddSubscriber(limits.Subscriber{
			ID: i, LogLimitID: 7, NotificationType: "email",
			NotificationAddress: fmt.Sprintf("user%d@x.com", i),
		})
	}
	ch := newRecordingChannel("email")
	reg := channel.NewRegistry()
	reg.Register(ch)

	const runs = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{})
			<-start
			c.HandleAlert(context.Background(), testAlert())
		}()
	}
	close(start)
	wg.Wait()

	perAddress := make(map[string]int)
	for _, m := range ch.Sent() {
		perAddress[m.Address]++
	}
	if len(perAddress) != 20 {
		t.Errorf("addresses notified = %d, want 20", len(perAddress))
	}
	for addr, n := range perAddress {
		if n != 1 {
			t.Errorf("%s notified %d times, want 1", addr, n)
		}
	}
	if got := len(deliveredPairs(t, store, 42)); got != 20 {
		t.Errorf("records = %d, want 20", got)
	}
}

func TestHandleAlert_FailureIsolated(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	ch.failures["a@x.com"] = 1
	rec := &hookRecorder{}
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{Hooks: rec.hooks()})

	report := c.HandleAlert(context.Background(), testAlert())

	if report.Delivered != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 delivered 1 failed", report)
	}
	if report.Result() != fanout.ResultPartial {
		t.Errorf("result = %q, want partial", report.Result())
	}
	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{2}) {
		t.Errorf("records = %v, want only subscriber 2", got)
	}
	if got := rec.count("email", fanout.OutcomeFailed); got != 1 {
		t.Errorf("failed hooks = %d, want 1", got)
	}
}

func TestHandleAlert_FailedDeliveryRetried(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	ch.failures["a@x.com"] = 1
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{})

	c.HandleAlert(context.Background(), testAlert())
	report := c.HandleAlert(context.Background(), testAlert())

	if report.Delivered != 1 || report.Skipped != 1 {
		t.Errorf("retry report = %+v, want 1 delivered 1 skipped", report)
	}
	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("records = %v, want [1 2]", got)
	}
	perAddress := make(map[string]int)
	for _, m := range ch.Sent() {
		perAddress[m.Address]++
	}
	if perAddress["a@x.com"] != 1 || perAddress["b@x.com"] != 1 {
		t.Errorf("successful sends = %v, want one each", perAddress)
	}
}

func TestHandleAlert_UnsupportedKindIsolated(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.AddSubscriber(limits.Subscriber{ID: 1, LogLimitID: 7, NotificationType: "fax", NotificationAddress: "+15550100"})
	store.AddSubscriber(limits.Subscriber{ID: 2, LogLimitID: 7, NotificationType: "email", NotificationAddress: "b@x.com"})
	ch := newRecordingChannel("email")
	reg := channel.NewRegistry()
	reg.Register(ch)
	rec := &hookRecorder{}
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{Hooks: rec.hooks()})

	report := c.HandleAlert(context.Background(), testAlert())

	if report.Delivered != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 delivered 1 failed", report)
	}
	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{2}) {
		t.Errorf("records = %v, want only subscriber 2", got)
	}
	if got := rec.count("unsupported", fanout.OutcomeUnsupported); got != 1 {
		t.Errorf("unsupported hooks = %d, want 1", got)
	}
	if got := rec.count("fax", fanout.OutcomeUnsupported); got != 0 {
		t.Errorf("hooks labelled with unregistered kind fax = %d, want 0", got)
	}
}

func TestHandleAlert_NoSubscribers(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	rec := &hookRecorder{}
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{Hooks: rec.hooks()})

	al := testAlert()
	al.LogLimitID = 99
	report := c.HandleAlert(context.Background(), al)

	if report.Result() != fanout.ResultEmpty || report.Subscribers != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
	if len(ch.Sent()) != 0 {
		t.Error("messages sent for alert with no subscribers")
	}
	if len(rec.fanouts) != 1 || rec.fanouts[0] != fanout.ResultEmpty {
		t.Errorf("fanout hooks = %v, want [empty]", rec.fanouts)
	}
}

func TestHandleAlert_LookupError(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	lookupErr := fmt.Errorf("query subscribers: %w", limits.ErrStoreUnavailable)
	c := fanout.NewCoordinator(failingDirectory{lookupErr}, store, reg, nil, fanout.Options{})

	report := c.HandleAlert(context.Background(), testAlert())

	if !errors.Is(report.Err, limits.ErrStoreUnavailable) {
		t.Errorf("report.Err = %v, want ErrStoreUnavailable", report.Err)
	}
	if report.Result() != fanout.ResultLookupError {
		t.Errorf("result = %q, want lookup_error", report.Result())
	}
	if len(ch.Sent()) != 0 {
		t.Error("messages sent despite lookup failure")
	}
}

func TestHandleAlert_DispatchTimeoutRollsBack(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	ch.block = true
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{DispatchTimeout: 20 * time.Millisecond})

	done := make(chan *fanout.Report, 1)
	go func() { done <- c.HandleAlert(context.Background(), testAlert()) }()

	select {
	case report := <-done:
		if report.Failed != 2 {
			t.Errorf("report = %+v, want 2 failed", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("HandleAlert did not honor the dispatch timeout")
	}
	if got := deliveredPairs(t, store, 42); len(got) != 0 {
		t.Errorf("records = %v, want none after timeout", got)
	}
}

func TestHandleAlert_DispatchPanicRollsBack(t *testing.T) {
	t.Parallel()

	store, reg, ch := newFixture(t)
	ch.panicOn = "a@x.com"
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{})

	report := c.HandleAlert(context.Background(), testAlert())

	if report.Delivered != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 delivered 1 failed", report)
	}
	if got := deliveredPairs(t, store, 42); !equalIDs(got, []int64{2}) {
		t.Errorf("records = %v, want only subscriber 2", got)
	}
	outcome, err := fanout.ClaimDelivery(context.Background(), store, 1, 42)
	if err != nil || outcome != fanout.Claimed {
		t.Errorf("claim after panic = %v, %v; want claimed", outcome, err)
	}
}

func TestHandleAlert_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := int64(1); i <= 10; i++ {
		store.AddSubscriber(limits.Subscriber{
			ID: i, LogLimitID: 7, NotificationType: "email",
			NotificationAddress: fmt.Sprintf("user%d@x.com", i),
		})
	}
	ch := newRecordingChannel("email")
	ch.hold = make(chan struct{})
	reg := channel.NewRegistry()
	reg.Register(ch)
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{Concurrency: 2})

	done := make(chan *fanout.Report, 1)
	go func() { done <- c.HandleAlert(context.Background(), testAlert()) }()

	time.Sleep(50 * time.Millisecond)
	close(ch.hold)
	report := <-done

	if report.Delivered != 10 {
		t.Errorf("delivered = %d, want 10", report.Delivered)
	}
	if got := ch.MaxInFlight(); got > 2 {
		t.Errorf("max in-flight sends = %d, want <= 2", got)
	}
}

func TestHandleAlert_Span(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, reg, ch := newFixture(t)
	ch.failures["a@x.com"] = 1
	c := fanout.NewCoordinator(store, store, reg, nil, fanout.Options{Tracer: tp.Tracer("test")})

	report := c.HandleAlert(context.Background(), testAlert())

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "fanout.HandleAlert" {
		t.Errorf("span name = %q", s.Name)
	}

	want := map[attribute.Key]attribute.Value{
		"loglimit.fanout.id":          attribute.StringValue(report.RunID),
		"loglimit.alert.id":           attribute.Int64Value(42),
		"loglimit.log_limit.id":       attribute.Int64Value(7),
		"loglimit.fanout.result":      attribute.StringValue(fanout.ResultPartial),
		"loglimit.fanout.subscribers": attribute.IntValue(2),
		"loglimit.fanout.failed":      attribute.IntValue(1),
	}
	got := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes {
		got[kv.Key] = kv.Value
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %s = %v, want %v", k, got[k].Emit(), v.Emit())
		}
	}
	if s.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error for partial fan-out", s.Status.Code)
	}
}

//  Ledger helpers

func TestClaimOutcome_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   fanout.ClaimOutcome
		want string
	}{
		{fanout.Claimed, "claimed"},
		{fanout.AlreadyClaimed, "already_claimed"},
		{fanout.ClaimOutcome(0), "none"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("ClaimOutcome(%d).String() = %q, want %q", int(tt.in), got, tt.want)
		}
	}
}

func TestReport_Result(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		report fanout.Report
		want   string
	}{
		{"lookup error wins", fanout.Report{Err: errors.New("x"), Subscribers: 3, Failed: 1}, fanout.ResultLookupError},
		{"empty", fanout.Report{}, fanout.ResultEmpty},
		{"partial", fanout.Report{Subscribers: 2, Delivered: 1, Failed: 1}, fanout.ResultPartial},
		{"all skipped is ok", fanout.Report{Subscribers: 2, Skipped: 2}, fanout.ResultOK},
	}
	for _, tt := range tests {
		if got := tt.report.Result(); got != tt.want {
			t.Errorf("%s: Result() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// logSink collects every key/value pair logged through a fieldLogger tree.
type logSink struct {
	mu     sync.Mutex
	values []string
}

// fieldLogger records the fields it is given and otherwise acts like log.Nop.
type fieldLogger struct {
	log.Logger
	sink   *logSink
	fields []any
}

func newFieldLogger() *fieldLogger {
	return &fieldLogger{Logger: log.Nop(), sink: &logSink{}}
}

func (l *fieldLogger) With(kv ...any) log.Logger {
	fields := append(append([]any{}, l.fields...), kv...)
	return &fieldLogger{Logger: l.Logger, sink: l.sink, fields: fields}
}

func (l *fieldLogger) record(kv []any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, v := range append(append([]any{}, l.fields...), kv...) {
		l.sink.values = append(l.sink.values, fmt.Sprint(v))
	}
}

func (l *fieldLogger) Info(_ context.Context, msg string, kv ...any) { l.record(append(kv, msg)) }
func (l *fieldLogger) Warn(_ context.Context, msg string, kv ...any) { l.record(append(kv, msg)) }
func (l *fieldLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.record(append(kv, msg, err))
}

func TestHandleAlert_DoesNotLogAddresses(t *testing.T) {
	t.Parallel()

	const webhook = "https://hooks.slack.com/services/T000/B000/secret-token"
	store := memstore.New()
	store.AddSubscriber(limits.Subscriber{ID: 1, LogLimitID: 7, NotificationType: "slack", NotificationAddress: webhook})
	ch := newRecordingChannel("slack")
	reg := channel.NewRegistry()
	reg.Register(ch)
	L := newFieldLogger()
	c := fanout.NewCoordinator(store, store, reg, L, fanout.Options{})

	report := c.HandleAlert(context.Background(), testAlert())
	if report.Delivered != 1 {
		t.Fatalf("report = %+v, want 1 delivered", report)
	}

	L.sink.mu.Lock()
	defer L.sink.mu.Unlock()
	if len(L.sink.values) == 0 {
		t.Fatal("nothing was logged")
	}
	for _, v := range L.sink.values {
		if strings.Contains(v, "secret-token") {
			t.Errorf("subscriber address leaked into logs: %q", v)
		}
	}
}

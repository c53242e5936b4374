package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orrn/printbridge/internal/auth"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/eventbus"
	"github.com/orrn/printbridge/internal/printer"
	"github.com/orrn/printbridge/internal/state"
)

type fakePrinterTransport struct {
	mu         sync.Mutex
	writes     [][]byte
	targets    []string
	failBefore int // writes failing transiently before success
	writeErr   error

	capability *printer.Capability
	capErr     error
	capCalls   int
}

func (f *fakePrinterTransport) Write(ctx context.Context, target printer.Target, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.failBefore > 0 {
		f.failBefore--
		return printer.ErrTransportUnavailable
	}
	f.writes = append(f.writes, append([]byte(nil), payload...))
	f.targets = append(f.targets, target.String())
	return nil
}

func (f *fakePrinterTransport) QueryCapability(ctx context.Context, target printer.Target) (*printer.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capCalls++
	if f.capErr != nil {
		return nil, f.capErr
	}
	if f.capability != nil {
		return f.capability, nil
	}
	return &printer.Capability{DPI: 203, WidthDots: 832, Darkness: 10}, nil
}

func (f *fakePrinterTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakePrinterTransport) capCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capCalls
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (*auth.Token, error) {
	return &auth.Token{
		Value:       "tok",
		InstanceURL: "https://acme.my.salesforce.com",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func newTestDispatcher(t *testing.T, tr printer.Transport, maxRetries int) *Dispatcher {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	results, err := NewResults(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	qcfg := config.QueueConfig{
		MaxRetries:  maxRetries,
		RetryDelay:  time.Millisecond,
		WorkerCount: 2,
		QueueSize:   8,
	}
	pcfg := config.PrintersConfig{DefaultPort: 9100, ConnectionTimeout: time.Second}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := NewResolver(staticTokens{}, nil)
	return NewDispatcher(qcfg, pcfg, tr, printer.NewCapabilityCache(0), resolver, results, nil, log)
}

func rawEvent(correlationID string) *eventbus.JobEvent {
	return &eventbus.JobEvent{
		CorrelationID: correlationID,
		PrinterHost:   "10.0.0.1",
		PrinterPort:   9100,
		PrinterType:   eventbus.PrinterRaw,
		ContentType:   eventbus.ContentRawBase64,
		Content:       base64.StdEncoding.EncodeToString([]byte("hello printer")),
		Qty:           1,
	}
}

func zplEvent(correlationID string) *eventbus.JobEvent {
	ev := rawEvent(correlationID)
	ev.PrinterType = eventbus.PrinterZPL
	ev.Content = base64.StdEncoding.EncodeToString([]byte("^XA^FO50,50^FDhi^FS^XZ"))
	return ev
}

func TestDispatcher_RetryThenSent(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{failBefore: 2}
	d := newTestDispatcher(t, tr, 3)

	res := d.process(context.Background(), rawEvent("job-retry"))
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome=%s, want sent", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts=%d, want 3", res.Attempts)
	}
	if tr.writeCount() != 1 {
		t.Errorf("writes=%d, want 1", tr.writeCount())
	}
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{failBefore: 2}
	d := newTestDispatcher(t, tr, 2)

	res := d.process(context.Background(), rawEvent("job-exhaust"))
	if res.Outcome != OutcomeRetriedExhausted {
		t.Fatalf("outcome=%s, want retriedExhausted", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts=%d, want 2", res.Attempts)
	}
	if res.LastError == "" {
		t.Error("LastError empty, want transport failure recorded")
	}
	if tr.writeCount() != 0 {
		t.Errorf("writes=%d, want 0", tr.writeCount())
	}
}

func TestDispatcher_DeviceRejectionNotRetried(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{writeErr: printer.ErrDeviceRejected}
	d := newTestDispatcher(t, tr, 3)

	res := d.process(context.Background(), rawEvent("job-reject"))
	if res.Outcome != OutcomePermanentFailure {
		t.Fatalf("outcome=%s, want permanentFailure", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts=%d, want 1 (no retry on rejection)", res.Attempts)
	}
}

func TestDispatcher_IdempotentRedelivery(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{}
	d := newTestDispatcher(t, tr, 3)
	ev := rawEvent("job-dup")

	first := d.process(context.Background(), ev)
	second := d.process(context.Background(), ev)

	if first.Outcome != OutcomeSent || second.Outcome != OutcomeSent {
		t.Fatalf("outcomes=%s/%s, want sent/sent", first.Outcome, second.Outcome)
	}
	if tr.writeCount() != 1 {
		t.Errorf("writes=%d, want exactly 1 across redelivery", tr.writeCount())
	}
	if second != first {
		t.Error("redelivery built a new result, want the recorded one returned")
	}
}

func TestDispatcher_IdempotencySurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	qcfg := config.QueueConfig{MaxRetries: 3, RetryDelay: time.Millisecond, WorkerCount: 1, QueueSize: 4}
	pcfg := config.PrintersConfig{DefaultPort: 9100}
	resolver := NewResolver(staticTokens{}, nil)
	ev := rawEvent("job-restart")

	db1, err := state.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	results1, err := NewResults(db1, 100)
	if err != nil {
		t.Fatal(err)
	}
	tr1 := &fakePrinterTransport{}
	d1 := NewDispatcher(qcfg, pcfg, tr1, printer.NewCapabilityCache(0), resolver, results1, nil, log)
	if res := d1.process(context.Background(), ev); res.Outcome != OutcomeSent {
		t.Fatalf("first run outcome=%s", res.Outcome)
	}
	db1.Close()

	db2, err := state.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	results2, err := NewResults(db2, 100)
	if err != nil {
		t.Fatal(err)
	}
	tr2 := &fakePrinterTransport{}
	d2 := NewDispatcher(qcfg, pcfg, tr2, printer.NewCapabilityCache(0), resolver, results2, nil, log)

	res := d2.process(context.Background(), ev)
	if res.Outcome != OutcomeSent {
		t.Fatalf("post-restart outcome=%s, want sent from record", res.Outcome)
	}
	if tr2.writeCount() != 0 {
		t.Errorf("writes after restart=%d, want 0", tr2.writeCount())
	}
}

func TestDispatcher_CapabilityQueriedOncePerMiss(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{capability: &printer.Capability{DPI: 300, WidthDots: 600, Darkness: 12}}
	d := newTestDispatcher(t, tr, 3)

	d.process(context.Background(), zplEvent("job-z1"))
	d.process(context.Background(), zplEvent("job-z2"))

	if got := tr.capCallCount(); got != 1 {
		t.Fatalf("capability queries=%d, want 1 (second served from cache)", got)
	}
	if tr.writeCount() != 2 {
		t.Fatalf("writes=%d, want 2", tr.writeCount())
	}

	// The preamble is prepended from the cached capability.
	payload := string(tr.writes[1])
	for _, want := range []string{"~SD12", "^PW600", "^XA^FO50,50"} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %q: %q", want, payload)
		}
	}
}

func TestDispatcher_CapabilityFailureSkipsPreamble(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{capErr: printer.ErrDeviceRejected}
	d := newTestDispatcher(t, tr, 3)

	res := d.process(context.Background(), zplEvent("job-nocap"))
	if res.Outcome != OutcomeSent {
		t.Fatalf("outcome=%s, want sent despite capability failure", res.Outcome)
	}
	if got := string(tr.writes[0]); strings.Contains(got, "~SD") {
		t.Errorf("payload has preamble without capability: %q", got)
	}
}

func TestDispatcher_InvalidZPLPermanentFailure(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{}
	d := newTestDispatcher(t, tr, 3)

	ev := zplEvent("job-badzpl")
	ev.Content = base64.StdEncoding.EncodeToString([]byte("this is not zpl"))

	res := d.process(context.Background(), ev)
	if res.Outcome != OutcomePermanentFailure {
		t.Fatalf("outcome=%s, want permanentFailure", res.Outcome)
	}
	if tr.writeCount() != 0 {
		t.Errorf("writes=%d, want 0", tr.writeCount())
	}
}

func TestDispatcher_QtyRepeatsInOneWrite(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{}
	d := newTestDispatcher(t, tr, 3)

	ev := rawEvent("job-qty")
	ev.Qty = 3

	if res := d.process(context.Background(), ev); res.Outcome != OutcomeSent {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if tr.writeCount() != 1 {
		t.Fatalf("writes=%d, want 1 (qty repeats inside one write)", tr.writeCount())
	}
	if n := strings.Count(string(tr.writes[0]), "hello printer"); n != 3 {
		t.Errorf("payload repeats=%d, want 3", n)
	}
}

func TestDispatcher_ContentDecodeFailurePermanent(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{}
	d := newTestDispatcher(t, tr, 3)

	ev := rawEvent("job-badb64")
	ev.Content = "%%% not base64 %%%"

	res := d.process(context.Background(), ev)
	if res.Outcome != OutcomePermanentFailure {
		t.Fatalf("outcome=%s, want permanentFailure", res.Outcome)
	}
	if res.Attempts != 0 {
		t.Errorf("attempts=%d, want 0 (never reached transport)", res.Attempts)
	}
}

func TestDispatcher_HandleThroughWorkers(t *testing.T) {
	t.Parallel()

	tr := &fakePrinterTransport{}
	d := newTestDispatcher(t, tr, 3)
	d.Start()
	defer d.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := rawEvent("job-" + string(rune('a'+i)))
			if err := d.Handle(context.Background(), ev); err != nil {
				t.Errorf("Handle() err=%v", err)
			}
		}(i)
	}
	wg.Wait()

	if tr.writeCount() != 5 {
		t.Fatalf("writes=%d, want 5", tr.writeCount())
	}
	if d.results.Len() != 5 {
		t.Fatalf("recorded results=%d, want 5", d.results.Len())
	}
}

func TestDispatcher_HandleAfterStop(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakePrinterTransport{}, 3)
	d.Start()
	d.Stop()

	err := d.Handle(context.Background(), rawEvent("job-late"))
	if err == nil {
		t.Fatal("Handle() after Stop err=nil, want error")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want dispatcher stopped", err)
	}
}


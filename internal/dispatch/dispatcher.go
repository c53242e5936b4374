package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/eventbus"
	"github.com/orrn/printbridge/internal/metrics"
	"github.com/orrn/printbridge/internal/printer"
)

// ResultSink receives terminal results after they are recorded; the
// webhook reporter implements it.
type ResultSink interface {
	Report(*Result)
}

// Dispatcher consumes decoded job events and drives each one to a
// terminal outcome. Work is partitioned by printer target so two jobs
// never interleave writes onto the same device; within a partition
// processing is FIFO.
type Dispatcher struct {
	cfg       config.QueueConfig
	transport printer.Transport
	caps      *printer.CapabilityCache
	resolver  *Resolver
	results   *Results
	sink      ResultSink
	log       *slog.Logger

	defaultPort int
	retryDelay  time.Duration

	partitions []chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type task struct {
	ev   *eventbus.JobEvent
	done chan *Result
}

func NewDispatcher(cfg config.QueueConfig, printers config.PrintersConfig, transport printer.Transport, caps *printer.CapabilityCache, resolver *Resolver, results *Results, sink ResultSink, log *slog.Logger) *Dispatcher {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		cfg:         cfg,
		transport:   transport,
		caps:        caps,
		resolver:    resolver,
		results:     results,
		sink:        sink,
		log:         log.With("component", "dispatcher"),
		defaultPort: printers.DefaultPort,
		retryDelay:  cfg.RetryDelay,
		stopCh:      make(chan struct{}),
	}
	d.partitions = make([]chan *task, cfg.WorkerCount)
	for i := range d.partitions {
		d.partitions[i] = make(chan *task, cfg.QueueSize)
	}
	return d
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	for i := range d.partitions {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop waits for queued work to finish. The subscriber has already
// drained by the time the coordinator calls this, so the queues are
// quiet or nearly so.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

// Handle implements eventbus.Handler: enqueue onto the event's printer
// partition and block until the job reaches a terminal result.
func (d *Dispatcher) Handle(ctx context.Context, ev *eventbus.JobEvent) error {
	t := &task{ev: ev, done: make(chan *Result, 1)}
	p := d.partition(ev)

	metrics.QueueDepth.Inc()
	select {
	case d.partitions[p] <- t:
	case <-d.stopCh:
		metrics.QueueDepth.Dec()
		return errors.New("dispatcher stopped")
	case <-ctx.Done():
		metrics.QueueDepth.Dec()
		return ctx.Err()
	}

	select {
	case res := <-t.done:
		d.log.Info("job terminal",
			"correlation_id", res.CorrelationID,
			"printer", res.Printer,
			"outcome", res.Outcome,
			"attempts", res.Attempts)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) partition(ev *eventbus.JobEvent) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", ev.PrinterHost, ev.PrinterPort)
	return int(h.Sum32()) % len(d.partitions)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-d.partitions[id]:
					d.run(t)
				default:
					return
				}
			}
		case t := <-d.partitions[id]:
			d.run(t)
		}
	}
}

func (d *Dispatcher) run(t *task) {
	defer metrics.QueueDepth.Dec()
	res := d.process(context.Background(), t.ev)
	t.done <- res
}

func (d *Dispatcher) process(ctx context.Context, ev *eventbus.JobEvent) *Result {
	// Idempotency first: a redelivered correlation id with a terminal
	// result gets that result back, with no transport write.
	if prior, ok := d.results.Lookup(ev.CorrelationID); ok {
		d.log.Debug("duplicate delivery, returning recorded result",
			"correlation_id", ev.CorrelationID, "outcome", prior.Outcome)
		return prior
	}

	res := d.execute(ctx, ev)
	d.finish(res)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, ev *eventbus.JobEvent) *Result {
	res := &Result{CorrelationID: ev.CorrelationID}

	target, err := printer.NewTarget(ev.PrinterHost, ev.PrinterPort, d.defaultPort)
	if err != nil {
		res.Outcome = OutcomePermanentFailure
		res.Printer = ev.PrinterHost
		res.LastError = err.Error()
		return res
	}
	res.Printer = target.String()

	payload, err := d.resolver.Resolve(ctx, ev)
	if err != nil {
		res.Outcome = OutcomePermanentFailure
		res.LastError = err.Error()
		return res
	}

	payload, err = d.preparePayload(ctx, ev, target, payload)
	if err != nil {
		res.Outcome = OutcomePermanentFailure
		res.LastError = err.Error()
		return res
	}

	maxAttempts := d.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := d.transport.Write(ctx, target, payload)
		if err == nil {
			res.Outcome = OutcomeSent
			res.LastError = ""
			return res
		}

		lastErr = err
		// Only a transient transport failure earns another attempt; a
		// device rejection or malformed payload never will.
		if !errors.Is(err, printer.ErrTransportUnavailable) {
			res.Outcome = OutcomePermanentFailure
			res.LastError = err.Error()
			return res
		}

		if attempt < maxAttempts {
			metrics.DispatchRetries.Inc()
			d.log.Warn("transport write failed, retrying",
				"correlation_id", ev.CorrelationID,
				"printer", target.String(),
				"attempt", attempt,
				"error", err)
			select {
			case <-ctx.Done():
				res.Outcome = OutcomeRetriedExhausted
				res.LastError = ctx.Err().Error()
				return res
			case <-time.After(d.retryDelay):
			}
		}
	}

	res.Outcome = OutcomeRetriedExhausted
	res.LastError = lastErr.Error()
	return res
}

// preparePayload validates ZPL bound for a ZPL printer, prepends the
// capability-derived configuration preamble, and repeats the payload
// qty times in a single write.
func (d *Dispatcher) preparePayload(ctx context.Context, ev *eventbus.JobEvent, target printer.Target, payload []byte) ([]byte, error) {
	if ev.PrinterType == eventbus.PrinterZPL {
		if !printer.ValidZPL(payload) {
			return nil, fmt.Errorf("%w: payload is not ^XA..^XZ framed", printer.ErrMalformedPayload)
		}
		if cap, ok := d.capability(ctx, target); ok {
			payload = append(printer.ConfigPreamble(cap), payload...)
		}
	}
	if ev.Qty > 1 {
		payload = printer.RepeatPayload(payload, ev.Qty)
	}
	return payload, nil
}

// capability reads through the cache; one device query per miss. A
// query failure skips the preamble for this job rather than failing it.
func (d *Dispatcher) capability(ctx context.Context, target printer.Target) (printer.Capability, bool) {
	if cap, ok := d.caps.Get(target.String()); ok {
		return cap, true
	}

	metrics.CapabilityQueries.Inc()
	cap, err := d.transport.QueryCapability(ctx, target)
	if err != nil {
		d.log.Warn("capability query failed, printing without preamble",
			"printer", target.String(), "error", err)
		return printer.Capability{}, false
	}
	d.caps.Put(target.String(), *cap)
	return *cap, true
}

func (d *Dispatcher) finish(res *Result) {
	if err := d.results.Record(res); err != nil {
		d.log.Error("failed to record dispatch result",
			"correlation_id", res.CorrelationID, "error", err)
	}
	metrics.DispatchOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if d.sink != nil {
		d.sink.Report(res)
	}
}

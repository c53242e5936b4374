// Package core wires the bridge together: credential store, event
// subscriber, dispatcher, reporter, and the durable state they share.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/orrn/printbridge/internal/auth"
	"github.com/orrn/printbridge/internal/checkpoint"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/dispatch"
	"github.com/orrn/printbridge/internal/eventbus"
	"github.com/orrn/printbridge/internal/printer"
	"github.com/orrn/printbridge/internal/state"
)

// Options lets callers swap the network edges; tests inject in-memory
// transports here.
type Options struct {
	EventTransport   eventbus.Transport
	PrinterTransport printer.Transport
	HTTPClient       *http.Client
}

// Coordinator owns startup order, shutdown order, and the error sink.
// Token provider first, then durable state, then dispatch, then the
// subscriber that feeds it.
type Coordinator struct {
	cfg *config.Config
	log *slog.Logger

	db           *sql.DB
	tokens       *auth.Store
	transport    eventbus.Transport
	ownTransport bool
	printers     printer.Transport
	caps         *printer.CapabilityCache
	results      *dispatch.Results
	dispatcher   *dispatch.Dispatcher
	reporter     *dispatch.Reporter
	subscriber   *eventbus.Subscriber

	errCh  chan error
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(cfg *config.Config, log *slog.Logger, opts Options) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}

	// Credential config problems (bad key file, missing token file) fail
	// construction; nothing below is worth starting without a provider.
	provider, err := auth.NewProvider(cfg.Auth, cfg.Salesforce, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewStore(provider, auth.DefaultMargin)

	db, err := state.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}

	results, err := dispatch.NewResults(db, cfg.Queue.ResultRetention)
	if err != nil {
		db.Close()
		return nil, err
	}

	printers := opts.PrinterTransport
	if printers == nil {
		printers = printer.NewTCPTransport(cfg.Printers)
	}
	caps := printer.NewCapabilityCache(cfg.Printers.CapabilityTTL)

	var reporter *dispatch.Reporter
	var sink dispatch.ResultSink
	if len(cfg.Webhooks) > 0 {
		reporter = dispatch.NewReporter(cfg.Webhooks, cfg.Queue.RetryDelay, log)
		sink = reporter
	}

	resolver := dispatch.NewResolver(tokens, opts.HTTPClient)
	dispatcher := dispatch.NewDispatcher(cfg.Queue, cfg.Printers, printers, caps, resolver, results, sink, log)

	transport := opts.EventTransport
	ownTransport := false
	if transport == nil {
		transport, err = eventbus.NewGRPCTransport(cfg.Salesforce.PubSubAddr, tokens)
		if err != nil {
			db.Close()
			return nil, err
		}
		ownTransport = true
	}

	ck := checkpoint.NewStore(db)
	subscriber := eventbus.NewSubscriber(cfg.Salesforce, transport, ck, dispatcher, log, cfg.Queue.ShutdownTimeout)

	return &Coordinator{
		cfg:          cfg,
		log:          log.With("component", "coordinator"),
		db:           db,
		tokens:       tokens,
		transport:    transport,
		ownTransport: ownTransport,
		printers:     printers,
		caps:         caps,
		results:      results,
		dispatcher:   dispatcher,
		reporter:     reporter,
		subscriber:   subscriber,
		errCh:        make(chan error, 4),
	}, nil
}

// Start seeds a token and brings the pipeline up. A fatal credential
// error surfaces here, before any subscription is attempted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("seed token: %w", err)
	}
	c.log.Info("authenticated", "flow", tok.IssuedVia, "instance", tok.InstanceURL)

	if c.reporter != nil {
		c.reporter.Start()
	}
	c.dispatcher.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.subscriber.Run(runCtx); err != nil {
			c.report(err)
		}
	}()

	return nil
}

// Stop drains in dependency order: subscriber first so no new events
// arrive, dispatcher second so queued jobs finish, reporters last. The
// context bounds the whole shutdown.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		c.log.Warn("subscriber did not drain before shutdown deadline")
	}

	c.dispatcher.Stop()
	if c.reporter != nil {
		c.reporter.Stop()
	}
	if tcp, ok := c.printers.(*printer.TCPTransport); ok {
		tcp.Close()
	}
	if c.ownTransport {
		if err := c.transport.Close(); err != nil {
			c.log.Warn("closing event transport", "error", err)
		}
	}
	if err := c.db.Close(); err != nil {
		c.log.Warn("closing state db", "error", err)
	}
	c.log.Info("stopped")
}

// Errors is the observability sink: fatal subsystem errors land here
// for the process entrypoint to act on.
func (c *Coordinator) Errors() <-chan error {
	return c.errCh
}

func (c *Coordinator) report(err error) {
	select {
	case c.errCh <- err:
	default:
		c.log.Error("error sink full", "error", err)
	}
}

// Status is the admin-facing snapshot.
type Status struct {
	SubscriberState eventbus.State `json:"subscriber_state"`
	ResultsHeld     int            `json:"results_held"`
}

func (c *Coordinator) Status() Status {
	return Status{
		SubscriberState: c.subscriber.State(),
		ResultsHeld:     c.results.Len(),
	}
}

func (c *Coordinator) Results() *dispatch.Results {
	return c.results
}

func (c *Coordinator) Capabilities() *printer.CapabilityCache {
	return c.caps
}

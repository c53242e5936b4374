package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/status"

	"github.com/orrn/printbridge/internal/auth"
	"github.com/orrn/printbridge/internal/checkpoint"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateDraining     State = "draining"
	StateFailed       State = "failed"
)

// ErrCheckpointExpired is the normalized form of the upstream rejecting
// a stored replay id that has aged out of the bus retention window.
var ErrCheckpointExpired = errors.New("stored replay id expired upstream")

// ErrTopicNotSubscribable reports a topic the authenticated user cannot
// subscribe to; this is an operator problem, not a transient one.
var ErrTopicNotSubscribable = errors.New("topic does not allow subscribe")

// Handler receives each decoded event and returns once the event has
// reached a terminal outcome. The subscriber acks the replay position
// only after Handle returns.
type Handler interface {
	Handle(ctx context.Context, ev *JobEvent) error
}

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second
)

// Subscriber drives the long-lived event stream: connect, decode, hand
// off, ack, reconnect. One Run loop owns the stream; handler calls fan
// out and report back through the ack tracker.
type Subscriber struct {
	cfg         config.SalesforceConfig
	transport   Transport
	schemas     *SchemaCache
	checkpoints *checkpoint.Store
	handler     Handler
	log         *slog.Logger

	shutdownTimeout time.Duration
	backoffBase     time.Duration
	backoffMax      time.Duration
	keepaliveIdle   time.Duration

	mu    sync.Mutex
	state State

	// ckptMu orders completion, checkpoint advance and persistence so the
	// stored replay id never runs ahead of unfinished work.
	ckptMu  sync.Mutex
	tracker *ackTracker

	sendMu   sync.Mutex
	draining bool

	wg sync.WaitGroup
}

func NewSubscriber(cfg config.SalesforceConfig, transport Transport, checkpoints *checkpoint.Store, handler Handler, log *slog.Logger, shutdownTimeout time.Duration) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	keepalive := cfg.KeepaliveIdle
	if keepalive <= 0 {
		keepalive = 150 * time.Second
	}
	return &Subscriber{
		cfg:             cfg,
		transport:       transport,
		schemas:         NewSchemaCache(transport),
		checkpoints:     checkpoints,
		handler:         handler,
		log:             log.With("component", "subscriber"),
		shutdownTimeout: shutdownTimeout,
		backoffBase:     defaultBackoffBase,
		backoffMax:      defaultBackoffMax,
		keepaliveIdle:   keepalive,
		state:           StateDisconnected,
		tracker:         newAckTracker(),
	}
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Info("subscriber state change", "from", prev, "to", next)
	}
}

// Run owns the subscribe loop until ctx is cancelled or a fatal error
// makes reconnecting pointless. Transient stream failures reconnect
// with capped exponential backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.backoffBase
	verified := false
	for {
		if ctx.Err() != nil {
			s.drain()
			return nil
		}

		s.setState(StateConnecting)

		if !verified {
			err := s.preflight(ctx)
			if fatalAuth(err) || errors.Is(err, ErrTopicNotSubscribable) {
				s.setState(StateFailed)
				return err
			}
			if err != nil {
				s.setState(StateDisconnected)
				s.log.Warn("topic preflight failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					s.drain()
					return nil
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > s.backoffMax {
					backoff = s.backoffMax
				}
				continue
			}
			verified = true
		}

		sawTraffic, err := s.runStream(ctx)

		if ctx.Err() != nil {
			s.drain()
			return nil
		}

		if fatalAuth(err) {
			s.setState(StateFailed)
			s.log.Error("subscriber halted, credentials need operator attention", "error", err)
			return err
		}

		if errors.Is(err, ErrCheckpointExpired) || isExpiredReplayStatus(err) {
			// Events between the stored position and now are gone from the
			// bus. Resuming from latest is the only option left; say so
			// loudly because this is real data loss.
			s.log.Warn("stored replay id expired, resuming from latest; events in the gap are lost",
				"topic", s.cfg.Topic)
			if cerr := s.checkpoints.Clear(s.cfg.Topic); cerr != nil {
				s.log.Error("failed to clear expired checkpoint", "error", cerr)
			}
		}

		s.setState(StateDisconnected)
		metrics.Reconnects.Inc()
		if err != nil {
			s.log.Warn("stream ended, reconnecting", "error", err, "backoff", backoff)
		}

		if sawTraffic {
			backoff = s.backoffBase
		}
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// preflight confirms the topic exists and is subscribable before the
// first stream is opened.
func (s *Subscriber) preflight(ctx context.Context) error {
	info, err := s.transport.GetTopic(ctx, s.cfg.Topic)
	if err != nil {
		return err
	}
	if !info.CanSubscribe {
		return ErrTopicNotSubscribable
	}
	s.log.Info("topic verified", "topic", info.TopicName, "schema_id", info.SchemaID)
	return nil
}

// runStream opens one stream and pumps it until it breaks or ctx ends.
// Returns whether any traffic (events or keepalives) arrived, which
// resets the reconnect backoff.
func (s *Subscriber) runStream(ctx context.Context) (bool, error) {
	first := &FetchRequest{
		TopicName:    s.cfg.Topic,
		NumRequested: int32(s.cfg.NumRequested),
	}
	replayID, err := s.checkpoints.Load(s.cfg.Topic)
	if err != nil {
		return false, err
	}
	if len(replayID) > 0 {
		first.ReplayPreset = ReplayCustom
		first.ReplayID = replayID
		s.log.Info("resuming from checkpoint", "topic", s.cfg.Topic)
	} else {
		first.ReplayPreset = ReplayLatest
		s.log.Info("no checkpoint, subscribing from latest", "topic", s.cfg.Topic)
	}

	stream, err := s.transport.Subscribe(ctx)
	if err != nil {
		return false, err
	}
	defer stream.CloseSend()

	if err := s.send(stream, first); err != nil {
		return false, err
	}
	s.setState(StateStreaming)

	type recvResult struct {
		resp *FetchResponse
		err  error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		for {
			resp, err := stream.Recv()
			select {
			case recvCh <- recvResult{resp, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	sawTraffic := false
	idle := time.NewTimer(s.keepaliveIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return sawTraffic, ctx.Err()
		case <-idle.C:
			return sawTraffic, errors.New("keepalive timeout, no traffic on stream")
		case r := <-recvCh:
			if r.err != nil {
				return sawTraffic, r.err
			}
			sawTraffic = true
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.keepaliveIdle)
			s.handleResponse(ctx, stream, r.resp)
		}
	}
}

func (s *Subscriber) handleResponse(ctx context.Context, stream Stream, resp *FetchResponse) {
	if len(resp.Events) == 0 {
		s.log.Debug("keepalive", "pending_requested", resp.PendingNumRequested)
		return
	}

	for i := range resp.Events {
		ce := resp.Events[i]
		metrics.EventsReceived.Inc()

		ev, err := s.decode(ctx, ce)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				// Redelivering a malformed payload cannot help; ack it and
				// move on so it does not wedge the checkpoint.
				s.log.Error("dropping undecodable event", "event_id", ce.Event.ID, "error", err)
				s.ckptMu.Lock()
				s.tracker.Add(ce.ReplayID)
				s.ckptMu.Unlock()
				s.ackAndRefill(stream, ce.ReplayID)
				continue
			}
			// Schema fetch failed; the event will be redelivered after
			// reconnect.
			s.log.Error("schema resolution failed", "schema_id", ce.Event.SchemaID, "error", err)
			continue
		}

		s.ckptMu.Lock()
		s.tracker.Add(ce.ReplayID)
		s.ckptMu.Unlock()

		s.wg.Add(1)
		// Dispatch outlives a cancelled stream context so in-flight jobs
		// can drain to a terminal outcome.
		hctx := context.WithoutCancel(ctx)
		go func(ev *JobEvent) {
			defer s.wg.Done()
			if err := s.handler.Handle(hctx, ev); err != nil {
				s.log.Error("dispatch returned error", "correlation_id", ev.CorrelationID, "error", err)
			}
			s.ackAndRefill(stream, ev.ReplayID)
		}(ev)
	}
}

func (s *Subscriber) decode(ctx context.Context, ce ConsumerEvent) (*JobEvent, error) {
	codec, err := s.schemas.Codec(ctx, ce.Event.SchemaID)
	if err != nil {
		return nil, err
	}
	native, _, err := codec.NativeFromBinary(ce.Event.Payload)
	if err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	return decodeJobEvent(native, ce.Event.ID, ce.ReplayID)
}

// ackAndRefill marks the event done, advances the durable checkpoint
// when the contiguous prefix allows it, and returns one unit of
// flow-control credit to the stream.
func (s *Subscriber) ackAndRefill(stream Stream, replayID []byte) {
	s.ckptMu.Lock()
	s.tracker.Complete(replayID)
	if id := s.tracker.Advance(); id != nil {
		if err := s.checkpoints.Save(s.cfg.Topic, id); err != nil {
			s.log.Error("checkpoint save failed", "error", err)
		}
	}
	s.ckptMu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.draining {
		return
	}
	// Credit is replenished one-for-one as the dispatcher finishes, so
	// the server can never outrun dispatch capacity.
	if err := stream.Send(&FetchRequest{NumRequested: 1}); err != nil {
		s.log.Debug("credit top-up failed, stream gone", "error", err)
	}
}

func (s *Subscriber) send(stream Stream, req *FetchRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.draining {
		return errors.New("subscriber draining")
	}
	return stream.Send(req)
}

// drain stops credit, waits for in-flight dispatch up to the shutdown
// timeout, then settles in Disconnected.
func (s *Subscriber) drain() {
	s.setState(StateDraining)
	s.sendMu.Lock()
	s.draining = true
	s.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.ckptMu.Lock()
		left := s.tracker.InFlight()
		s.ckptMu.Unlock()
		s.log.Warn("shutdown deadline reached with work in flight", "in_flight", left)
	}
	s.setState(StateDisconnected)
}

func fatalAuth(err error) bool {
	kind, ok := auth.KindOf(err)
	return ok && kind != auth.KindNetwork
}

func isExpiredReplayStatus(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st == nil {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "replay") && (strings.Contains(msg, "expired") || strings.Contains(msg, "invalid") || strings.Contains(msg, "corrupted"))
}

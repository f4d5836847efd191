package glucose

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// Options configures a retrieval.
type Options struct {
	Timeout          time.Duration     // single bound for the whole count + records sequence
	SkipCount        bool              // go straight to the record request
	Operator         protocol.Operator // operator of the record request
	AbortTimeout     time.Duration     // bound on the best-effort abort write
	LivenessInterval time.Duration     // IsConnected polling period; 0 disables
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		Operator:         protocol.OperatorAllRecords,
		AbortTimeout:     2 * time.Second,
		LivenessInterval: time.Second,
	}
}

// Client runs record retrievals over a Transport. Calls on the same
// Transport must be serialized by the caller.
type Client struct {
	transport Transport
	opts      Options
}

// NewClient creates a Client. Zero option fields take their defaults,
// except LivenessInterval where zero disables polling.
func NewClient(transport Transport, opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Operator == protocol.OperatorNull {
		opts.Operator = def.Operator
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = def.AbortTimeout
	}
	return &Client{transport: transport, opts: opts}
}

// RetrieveAllRecords runs one retrieval with default options and the given
// timeout.
func RetrieveAllRecords(ctx context.Context, transport Transport, timeout time.Duration) (*Outcome, error) {
	opts := DefaultOptions()
	opts.Timeout = timeout
	return NewClient(transport, opts).RetrieveAllRecords(ctx)
}

// RetrieveAllRecords subscribes to the glucose characteristics, drives a
// fresh session to a terminal state and unsubscribes. The outcome is always
// returned; the error is non-nil only when the outcome is Failed. Cancelling
// ctx aborts the retrieval.
func (c *Client) RetrieveAllRecords(ctx context.Context) (*Outcome, error) {
	s := newSession(time.Now(), c.opts)
	r := newRouter(s.deliver)

	subscribed, err := c.subscribe(r)
	defer c.unsubscribe(subscribed)
	if err != nil {
		s.finish(StateFailed, err)
		slog.Error("glucose: retrieval failed", "error", err)
		return s.outcome, err
	}

	if n, ok := c.transport.(DisconnectNotifier); ok {
		n.OnDisconnect(func() { s.deliver(event{kind: eventDisconnect}) })
	}

	c.run(ctx, s)

	out := s.outcome
	slog.Info("glucose: retrieval finished",
		"state", out.State,
		"measurements", len(out.Measurements),
		"record_count", out.RecordCount,
		"count_known", out.RecordCountKnown,
		"decode_errors", out.DecodeErrors,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	if out.State == StateFailed {
		slog.Error("glucose: retrieval failed", "error", out.Err)
		return out, out.Err
	}
	return out, nil
}

// subscribe registers the router for the three glucose characteristics.
// Only the context characteristic may fail.
func (c *Client) subscribe(r *router) ([]protocol.CharacteristicID, error) {
	var done []protocol.CharacteristicID
	for _, id := range []protocol.CharacteristicID{
		protocol.GlucoseMeasurementID,
		protocol.GlucoseMeasurementContextID,
		protocol.RecordAccessControlPointID,
	} {
		if err := c.transport.Subscribe(id, r.handler(id)); err != nil {
			if id == protocol.GlucoseMeasurementContextID {
				slog.Warn("glucose: context characteristic unavailable, continuing", "error", err)
				continue
			}
			return done, &TransportError{Kind: SubscriptionFailed, Characteristic: id, Err: err}
		}
		done = append(done, id)
	}
	return done, nil
}

func (c *Client) unsubscribe(ids []protocol.CharacteristicID) {
	for _, id := range ids {
		if err := c.transport.Unsubscribe(id); err != nil {
			slog.Debug("glucose: unsubscribe failed", "characteristic", id.Name(), "error", err)
		}
	}
}

// run drives s until it is terminal. Notification events, the deadline,
// caller cancellation and the liveness poll race; the first to end the
// session wins.
func (c *Client) run(ctx context.Context, s *session) {
	runCtx, cancel := context.WithDeadline(ctx, s.deadline)
	defer cancel()

	var liveness <-chan time.Time
	if c.opts.LivenessInterval > 0 {
		ticker := time.NewTicker(c.opts.LivenessInterval)
		defer ticker.Stop()
		liveness = ticker.C
	}

	first := s.start()
	next := &first
	for !s.state.Terminal() {
		if next != nil {
			cmd := *next
			next = nil
			if !c.send(ctx, runCtx, s, cmd) {
				break
			}
		}

		if runCtx.Err() != nil {
			c.stop(ctx, s)
			break
		}
		if ev, ok := s.next(); ok {
			next = s.handle(ev)
			continue
		}

		select {
		case <-s.signal:
		case <-runCtx.Done():
			c.stop(ctx, s)
		case <-liveness:
			if !c.transport.IsConnected() {
				s.finish(StateFailed, &TransportError{Kind: Disconnected, Err: ErrDisconnected})
			}
		}
	}
}

// send writes one command. It returns false when the write ended the
// session.
func (c *Client) send(ctx, runCtx context.Context, s *session, cmd protocol.Command) bool {
	if !c.transport.IsConnected() {
		s.finish(StateFailed, &TransportError{Kind: Disconnected, Characteristic: protocol.RecordAccessControlPointID, Err: ErrDisconnected})
		return false
	}

	slog.Info("glucose: writing racp command", "command", cmd.String())
	err := c.transport.WriteCharacteristic(runCtx, protocol.RecordAccessControlPointID, cmd.Bytes())
	if err == nil {
		return true
	}
	if runCtx.Err() != nil {
		c.stop(ctx, s)
		return false
	}
	s.finish(StateFailed, &TransportError{Kind: WriteFailed, Characteristic: protocol.RecordAccessControlPointID, Err: err})
	return false
}

// stop ends the session after cancellation or deadline expiry: it attempts
// a single abort write, keeps the measurements already queued, then
// terminates as Aborted or TimedOut.
func (c *Client) stop(ctx context.Context, s *session) {
	state := StateTimedOut
	if ctx.Err() != nil {
		state = StateAborted
	}
	c.abort(s)
	s.drain()
	s.finish(state, nil)
}

func (c *Client) abort(s *session) {
	if !c.transport.IsConnected() {
		slog.Debug("glucose: skipping abort write on a dropped link")
		return
	}
	s.aborted = true

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AbortTimeout)
	defer cancel()
	err := c.transport.WriteCharacteristic(ctx, protocol.RecordAccessControlPointID, protocol.CmdAbort.Bytes())
	if err != nil {
		slog.Warn("glucose: abort write failed", "error", err)
	}
}

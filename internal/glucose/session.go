package glucose

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

// State is a retrieval session state. The last five are terminal.
type State int

const (
	StateIdle State = iota
	StateAwaitingCount
	StateAwaitingRecords
	StateCompleted
	StateNoRecords
	StateFailed
	StateTimedOut
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:            "Idle",
	StateAwaitingCount:   "AwaitingCount",
	StateAwaitingRecords: "AwaitingRecords",
	StateCompleted:       "Completed",
	StateNoRecords:       "NoRecords",
	StateFailed:          "Failed",
	StateTimedOut:        "TimedOut",
	StateAborted:         "Aborted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s >= StateCompleted }

// Outcome is the result of one retrieval.
type Outcome struct {
	State        State
	Measurements []protocol.Measurement // arrival order
	RecordCount  uint16
	// RecordCountKnown is set when the device answered the count request.
	RecordCountKnown bool
	// Contexts holds Glucose Measurement Context payloads, undecoded.
	Contexts              [][]byte
	DecodeErrors          int
	UnrecognizedResponses int
	AbortAttempted        bool
	// Err is the cause of a Failed outcome: a *TransportError or a
	// *ProtocolError.
	Err     error
	Elapsed time.Duration
}

// Partial reports whether the retrieval stopped before the device finished.
func (o *Outcome) Partial() bool {
	return o.State == StateTimedOut || o.State == StateAborted
}

// session is the retrieval state machine. Only the goroutine running the
// client loop mutates it; transport callbacks reach it through deliver.
// The inbound queue is unbounded so a notification burst never blocks the
// transport while a write is pending.
type session struct {
	state        State
	operator     protocol.Operator
	skipCount    bool
	started      time.Time
	deadline     time.Time
	measurements []protocol.Measurement
	contexts     [][]byte
	recordCount  uint16
	countKnown   bool
	decodeErrors int
	unrecognized int
	aborted      bool
	outcome      *Outcome

	mu     sync.Mutex // guards queue and closed
	queue  []event
	closed bool
	signal chan struct{}
}

func newSession(started time.Time, opts Options) *session {
	return &session{
		state:     StateIdle,
		operator:  opts.Operator,
		skipCount: opts.SkipCount,
		started:   started,
		deadline:  started.Add(opts.Timeout),
		signal:    make(chan struct{}, 1),
	}
}

// deliver queues ev in arrival order and never blocks. Once the session is
// terminal, events are discarded.
func (s *session) deliver(ev event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event.
func (s *session) next() (event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = event{}
	s.queue = s.queue[1:]
	return ev, true
}

// drain applies every queued data event without waiting for more.
// RACP responses and disconnects are dropped: the session is about to stop.
func (s *session) drain() {
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		switch ev.kind {
		case eventMeasurement, eventContext, eventDecodeError:
			s.handle(ev)
		}
	}
}

// start leaves Idle and returns the first command to write.
func (s *session) start() protocol.Command {
	if s.skipCount {
		return s.requestRecords()
	}
	s.transition(StateAwaitingCount)
	return protocol.CmdReportNumberOfRecords
}

func (s *session) requestRecords() protocol.Command {
	s.transition(StateAwaitingRecords)
	return protocol.Command{Opcode: protocol.OpReportStoredRecords, Operator: s.operator}
}

// handle applies one event and returns the next command to write, if any.
func (s *session) handle(ev event) *protocol.Command {
	if s.state.Terminal() {
		return nil
	}

	switch ev.kind {
	case eventMeasurement:
		if s.state == StateAwaitingCount {
			slog.Debug("glucose: measurement before count report", "seq", ev.measurement.SequenceNumber)
		}
		s.measurements = append(s.measurements, ev.measurement)
	case eventContext:
		s.contexts = append(s.contexts, ev.payload)
	case eventDecodeError:
		s.decodeErrors++
		slog.Warn("glucose: skipping malformed notification", "characteristic", ev.source.Name(), "error", ev.err)
	case eventDisconnect:
		s.finish(StateFailed, &TransportError{Kind: Disconnected, Err: ErrDisconnected})
	case eventResponse:
		return s.handleResponse(ev.response)
	}
	return nil
}

func (s *session) handleResponse(resp protocol.Response) *protocol.Command {
	switch r := resp.(type) {
	case protocol.CountReport:
		if s.state != StateAwaitingCount {
			slog.Debug("glucose: ignoring count report", "state", s.state, "count", r.Count)
			return nil
		}
		s.recordCount, s.countKnown = r.Count, true
		slog.Info("glucose: device reported stored records", "count", r.Count)
		cmd := s.requestRecords()
		return &cmd

	case protocol.CompletionReport:
		switch r.Result {
		case protocol.ResultSuccess:
			if s.state == StateAwaitingCount {
				// Answered without a count; go on with count unknown.
				cmd := s.requestRecords()
				return &cmd
			}
			s.finish(StateCompleted, nil)
		case protocol.ResultNoRecordsFound:
			s.finish(StateNoRecords, nil)
		default:
			s.finish(StateFailed, &ProtocolError{RequestedOpcode: r.RequestedOpcode, Result: r.Result})
		}

	case protocol.Unrecognized:
		s.unrecognized++
		slog.Warn("glucose: unrecognized racp response", "opcode", fmt.Sprintf("0x%02x", uint8(r.Opcode)), "operator", fmt.Sprintf("0x%02x", uint8(r.Operator)))
	}
	return nil
}

func (s *session) transition(next State) {
	slog.Debug("glucose: session transition", "from", s.state, "to", next)
	s.state = next
}

// finish performs the single terminal transition. Later calls are ignored.
func (s *session) finish(state State, err error) bool {
	if s.state.Terminal() {
		return false
	}
	s.transition(state)

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.outcome = &Outcome{
		State:                 state,
		Measurements:          s.measurements,
		RecordCount:           s.recordCount,
		RecordCountKnown:      s.countKnown,
		Contexts:              s.contexts,
		DecodeErrors:          s.decodeErrors,
		UnrecognizedResponses: s.unrecognized,
		AbortAttempted:        s.aborted,
		Err:                   err,
		Elapsed:               time.Since(s.started),
	}
	return true
}

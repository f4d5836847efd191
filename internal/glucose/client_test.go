package glucose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
)

var (
	racpID = protocol.RecordAccessControlPointID
	gmID   = protocol.GlucoseMeasurementID
	ctxID  = protocol.GlucoseMeasurementContextID
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 2 * time.Second
	opts.LivenessInterval = 0
	return opts
}

// happyMeter answers the count request with n and then streams n records.
func happyMeter(t *testing.T, n int) func(m *mockTransport, cmd []byte) {
	return func(m *mockTransport, cmd []byte) {
		switch {
		case isCommand(cmd, protocol.CmdReportNumberOfRecords):
			m.notify(racpID, []byte{0x05, 0x00, byte(n), 0x00})
		case isCommand(cmd, protocol.CmdReportAllRecords):
			for i := 1; i <= n; i++ {
				m.notify(gmID, measurementBytes(t, uint16(i), int16(90+i)))
			}
			m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x01})
		}
	}
}

func TestRetrieveAllRecordsCompleted(t *testing.T) {
	mt := newMockTransport(happyMeter(t, 3))
	client := NewClient(mt, testOptions())

	out, err := client.RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want Completed", out.State)
	}
	if len(out.Measurements) != 3 {
		t.Fatalf("len(Measurements) = %d, want 3", len(out.Measurements))
	}
	for i, m := range out.Measurements {
		if m.SequenceNumber != uint16(i+1) {
			t.Errorf("Measurements[%d].SequenceNumber = %d, want %d (arrival order)", i, m.SequenceNumber, i+1)
		}
	}
	if !out.RecordCountKnown || out.RecordCount != 3 {
		t.Errorf("RecordCount = %d (known=%v), want 3", out.RecordCount, out.RecordCountKnown)
	}
	if out.AbortAttempted {
		t.Error("AbortAttempted = true on a completed retrieval")
	}

	writes := mt.writtenCommands()
	if len(writes) != 2 || !isCommand(writes[0], protocol.CmdReportNumberOfRecords) || !isCommand(writes[1], protocol.CmdReportAllRecords) {
		t.Errorf("writes = % x, want [04 01] [01 01]", writes)
	}
	if len(mt.unsubscribed) != 3 {
		t.Errorf("unsubscribed = %v, want all three characteristics", mt.unsubscribed)
	}
}

func TestRetrieveAllRecordsAsyncDelivery(t *testing.T) {
	mt := newMockTransport(nil)
	mt.script = func(m *mockTransport, cmd []byte) {
		script := happyMeter(t, 5)
		go func() {
			time.Sleep(5 * time.Millisecond)
			script(m, cmd)
		}()
	}

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted || len(out.Measurements) != 5 {
		t.Errorf("got %s with %d measurements, want Completed with 5", out.State, len(out.Measurements))
	}
}

func TestRetrieveAllRecordsTimeout(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		switch {
		case isCommand(cmd, protocol.CmdReportNumberOfRecords):
			m.notify(racpID, []byte{0x05, 0x00, 0x03, 0x00})
		case isCommand(cmd, protocol.CmdReportAllRecords):
			m.notify(gmID, measurementBytes(t, 1, 100))
			m.notify(gmID, measurementBytes(t, 2, 110))
			// completion never arrives
		}
	})
	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond

	start := time.Now()
	out, err := NewClient(mt, opts).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v, TimedOut is not a failure", err)
	}
	if out.State != StateTimedOut {
		t.Errorf("State = %s, want TimedOut", out.State)
	}
	if !out.Partial() {
		t.Error("Partial() = false for TimedOut")
	}
	if len(out.Measurements) != 2 {
		t.Errorf("len(Measurements) = %d, want 2 partial", len(out.Measurements))
	}
	if !out.AbortAttempted {
		t.Error("AbortAttempted = false")
	}
	writes := mt.writtenCommands()
	if last := writes[len(writes)-1]; !isCommand(last, protocol.CmdAbort) {
		t.Errorf("last write = % x, want abort 03 00", last)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retrieval took %v, deadline was 100ms", elapsed)
	}
}

// ctxTransport makes writes honour ctx the way GATTTransport does. When
// hold matches a command, the write does not return until ctx ends.
type ctxTransport struct {
	*mockTransport
	hold func(cmd []byte) bool
}

func (c *ctxTransport) WriteCharacteristic(ctx context.Context, id protocol.CharacteristicID, data []byte) error {
	if err := c.mockTransport.WriteCharacteristic(ctx, id, data); err != nil {
		return err
	}
	if c.hold != nil && c.hold(data) {
		<-ctx.Done()
	}
	return ctx.Err()
}

func TestRetrieveAllRecordsBurstDuringWrite(t *testing.T) {
	// Every record arrives before the record request write returns.
	const n = 150
	ct := &ctxTransport{mockTransport: newMockTransport(happyMeter(t, n))}
	opts := testOptions()
	opts.Timeout = 5 * time.Second

	done := make(chan struct{})
	var out *Outcome
	var err error
	go func() {
		out, err = NewClient(ct, opts).RetrieveAllRecords(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("retrieval stalled on a notification burst")
	}

	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want Completed", out.State)
	}
	if len(out.Measurements) != n {
		t.Fatalf("len(Measurements) = %d, want %d", len(out.Measurements), n)
	}
	for i, m := range out.Measurements {
		if m.SequenceNumber != uint16(i+1) {
			t.Fatalf("Measurements[%d].SequenceNumber = %d, want arrival order", i, m.SequenceNumber)
		}
	}
}

func TestRetrieveAllRecordsTimeoutKeepsQueuedMeasurements(t *testing.T) {
	// The meter streams records while the record request write is still
	// pending, and the deadline fires before that write returns.
	const n = 120
	ct := &ctxTransport{
		mockTransport: newMockTransport(func(m *mockTransport, cmd []byte) {
			switch {
			case isCommand(cmd, protocol.CmdReportNumberOfRecords):
				m.notify(racpID, []byte{0x05, 0x00, n, 0x00})
			case isCommand(cmd, protocol.CmdReportAllRecords):
				for i := 1; i <= n; i++ {
					m.notify(gmID, measurementBytes(t, uint16(i), 100))
				}
			}
		}),
		hold: func(cmd []byte) bool { return isCommand(cmd, protocol.CmdReportAllRecords) },
	}
	opts := testOptions()
	opts.Timeout = 200 * time.Millisecond

	out, err := NewClient(ct, opts).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateTimedOut {
		t.Errorf("State = %s, want TimedOut", out.State)
	}
	if len(out.Measurements) != n {
		t.Errorf("len(Measurements) = %d, want all %d queued records kept", len(out.Measurements), n)
	}
	if !out.RecordCountKnown || out.RecordCount != n {
		t.Errorf("RecordCount = %d (known %v), want %d", out.RecordCount, out.RecordCountKnown, n)
	}
	if !out.AbortAttempted {
		t.Error("AbortAttempted = false")
	}
}

func TestRetrieveAllRecordsDeadlineNotResetByNotifications(t *testing.T) {
	// The meter keeps sending records every 20ms without ever completing.
	stop := make(chan struct{})
	defer close(stop)
	payload := measurementBytes(t, 1, 100)
	mt := newMockTransport(nil)
	mt.script = func(m *mockTransport, cmd []byte) {
		if !isCommand(cmd, protocol.CmdReportAllRecords) {
			return
		}
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-time.After(20 * time.Millisecond):
					m.notify(gmID, payload)
				}
			}
		}()
	}
	opts := testOptions()
	opts.SkipCount = true
	opts.Timeout = 150 * time.Millisecond

	start := time.Now()
	out, _ := NewClient(mt, opts).RetrieveAllRecords(context.Background())
	if out.State != StateTimedOut {
		t.Errorf("State = %s, want TimedOut", out.State)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retrieval took %v despite a 150ms deadline", elapsed)
	}
}

func TestRetrieveAllRecordsNoRecords(t *testing.T) {
	tests := []struct {
		name   string
		script func(m *mockTransport, cmd []byte)
		writes int
	}{
		{
			name: "count request answered with no records",
			script: func(m *mockTransport, cmd []byte) {
				m.notify(racpID, []byte{0x06, 0x00, 0x04, 0x06})
			},
			writes: 1,
		},
		{
			name: "zero count then no records",
			script: func(m *mockTransport, cmd []byte) {
				if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
					m.notify(racpID, []byte{0x05, 0x00, 0x00, 0x00})
					return
				}
				m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x06})
			},
			writes: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport(tt.script)
			out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
			if err != nil {
				t.Fatalf("RetrieveAllRecords() error = %v, NoRecords is not a failure", err)
			}
			if out.State != StateNoRecords {
				t.Errorf("State = %s, want NoRecords", out.State)
			}
			if got := len(mt.writtenCommands()); got != tt.writes {
				t.Errorf("writes = %d, want %d", got, tt.writes)
			}
		})
	}
}

func TestRetrieveAllRecordsProtocolError(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05, 0x00, 0x02, 0x00})
			return
		}
		m.notify(gmID, measurementBytes(t, 1, 100))
		m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x04})
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if out.State != StateFailed {
		t.Fatalf("State = %s, want Failed", out.State)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if perr.Result != protocol.ResultOperatorNotSupported || perr.RequestedOpcode != protocol.OpReportStoredRecords {
		t.Errorf("ProtocolError = %+v", perr)
	}
	if len(out.Measurements) != 1 {
		t.Errorf("len(Measurements) = %d, want 1 kept", len(out.Measurements))
	}
}

func TestRetrieveAllRecordsSubscriptionFailure(t *testing.T) {
	for _, id := range []protocol.CharacteristicID{gmID, racpID} {
		t.Run(id.Name(), func(t *testing.T) {
			mt := newMockTransport(happyMeter(t, 1))
			mt.subscribeErr[id] = errors.New("not supported")

			out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
			var terr *TransportError
			if !errors.As(err, &terr) || terr.Kind != SubscriptionFailed || terr.Characteristic != id {
				t.Fatalf("error = %v, want SubscriptionFailed on %s", err, id)
			}
			if out.State != StateFailed {
				t.Errorf("State = %s, want Failed", out.State)
			}
			if len(mt.writtenCommands()) != 0 {
				t.Error("commands written after a fatal subscription failure")
			}
		})
	}
}

func TestRetrieveAllRecordsContextSubscriptionOptional(t *testing.T) {
	mt := newMockTransport(happyMeter(t, 2))
	mt.subscribeErr[ctxID] = errors.New("not supported")

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted || len(out.Measurements) != 2 {
		t.Errorf("got %s with %d measurements", out.State, len(out.Measurements))
	}
	if len(mt.unsubscribed) != 2 {
		t.Errorf("unsubscribed = %v, want only the two subscribed characteristics", mt.unsubscribed)
	}
}

func TestRetrieveAllRecordsWriteFailure(t *testing.T) {
	mt := newMockTransport(nil)
	mt.writeErr = errors.New("att error 0x0e")

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != WriteFailed {
		t.Fatalf("error = %v, want WriteFailed", err)
	}
	if out.State != StateFailed {
		t.Errorf("State = %s, want Failed", out.State)
	}
	if out.AbortAttempted {
		t.Error("a write failure must not trigger an abort")
	}
}

func TestRetrieveAllRecordsDisconnectNotification(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05, 0x00, 0x02, 0x00})
			return
		}
		m.notify(gmID, measurementBytes(t, 1, 100))
		m.SimulateDisconnect()
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("error = %v, want ErrDisconnected", err)
	}
	if out.State != StateFailed || len(out.Measurements) != 1 {
		t.Errorf("got %s with %d measurements, want Failed with 1", out.State, len(out.Measurements))
	}
}

func TestRetrieveAllRecordsLivenessPoll(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportAllRecords) {
			m.setConnected(false) // silent drop, no callback
		}
	})
	opts := testOptions()
	opts.SkipCount = true
	opts.LivenessInterval = 10 * time.Millisecond

	out, err := NewClient(mt, opts).RetrieveAllRecords(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != Disconnected {
		t.Fatalf("error = %v, want Disconnected", err)
	}
	if out.State != StateFailed {
		t.Errorf("State = %s, want Failed", out.State)
	}
}

func TestRetrieveAllRecordsNotConnected(t *testing.T) {
	mt := newMockTransport(nil)
	mt.setConnected(false)

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if !errors.Is(err, ErrDisconnected) || out.State != StateFailed {
		t.Fatalf("got %s / %v, want Failed / ErrDisconnected", out.State, err)
	}
	if len(mt.writtenCommands()) != 0 {
		t.Error("wrote to a disconnected transport")
	}
}

func TestRetrieveAllRecordsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05, 0x00, 0x04, 0x00})
			return
		}
		if isCommand(cmd, protocol.CmdReportAllRecords) {
			m.notify(gmID, measurementBytes(t, 1, 100))
			cancel()
		}
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(ctx)
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v, Aborted is not a failure", err)
	}
	if out.State != StateAborted {
		t.Errorf("State = %s, want Aborted", out.State)
	}
	if len(out.Measurements) != 1 {
		t.Errorf("len(Measurements) = %d, want the record received before cancel", len(out.Measurements))
	}
	if !out.AbortAttempted {
		t.Error("AbortAttempted = false")
	}
	writes := mt.writtenCommands()
	if last := writes[len(writes)-1]; !isCommand(last, protocol.CmdAbort) {
		t.Errorf("last write = % x, want abort", last)
	}
}

func TestRetrieveAllRecordsAbortFailureIgnored(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportAllRecords) {
			// The meter goes quiet and rejects the abort that follows.
			m.mu.Lock()
			m.writeErr = errors.New("gatt busy")
			m.mu.Unlock()
		}
	})
	opts := testOptions()
	opts.SkipCount = true
	opts.Timeout = 50 * time.Millisecond

	out, err := NewClient(mt, opts).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v, a failed abort must not fail the retrieval", err)
	}
	if out.State != StateTimedOut {
		t.Errorf("State = %s, want TimedOut", out.State)
	}
	if !out.AbortAttempted {
		t.Error("AbortAttempted = false")
	}
}

func TestRetrieveAllRecordsDecodeErrorsSkipped(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05})
			m.notify(racpID, []byte{0x05, 0x00, 0x02, 0x00})
			return
		}
		m.notify(gmID, measurementBytes(t, 1, 100))
		m.notify(gmID, []byte{0x02, 0x02, 0x00})
		m.notify(gmID, measurementBytes(t, 3, 120))
		m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x01})
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want Completed", out.State)
	}
	if out.DecodeErrors != 2 {
		t.Errorf("DecodeErrors = %d, want 2", out.DecodeErrors)
	}
	if len(out.Measurements) != 2 {
		t.Errorf("len(Measurements) = %d, want 2", len(out.Measurements))
	}
}

func TestRetrieveAllRecordsKeepsDuplicates(t *testing.T) {
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05, 0x00, 0x02, 0x00})
			return
		}
		m.notify(gmID, measurementBytes(t, 7, 100))
		m.notify(gmID, measurementBytes(t, 7, 100))
		m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x01})
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if len(out.Measurements) != 2 {
		t.Fatalf("len(Measurements) = %d, want 2 (no dedup)", len(out.Measurements))
	}
	if out.Measurements[0].SequenceNumber != out.Measurements[1].SequenceNumber {
		t.Error("duplicate sequence numbers were altered")
	}
}

func TestRetrieveAllRecordsContextPayloads(t *testing.T) {
	ctxPayload := []byte{0x00, 0x01, 0x00, 0x01}
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if isCommand(cmd, protocol.CmdReportNumberOfRecords) {
			m.notify(racpID, []byte{0x05, 0x00, 0x01, 0x00})
			return
		}
		m.notify(gmID, measurementBytes(t, 1, 100))
		m.notify(ctxID, ctxPayload)
		m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x01})
	})

	out, err := NewClient(mt, testOptions()).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if len(out.Contexts) != 1 || string(out.Contexts[0]) != string(ctxPayload) {
		t.Errorf("Contexts = % x, want [% x]", out.Contexts, ctxPayload)
	}
}

func TestRetrieveAllRecordsSkipCountAndOperator(t *testing.T) {
	var first []byte
	mt := newMockTransport(func(m *mockTransport, cmd []byte) {
		if first == nil {
			first = append([]byte(nil), cmd...)
		}
		m.notify(gmID, measurementBytes(t, 42, 100))
		m.notify(racpID, []byte{0x06, 0x00, 0x01, 0x01})
	})
	opts := testOptions()
	opts.SkipCount = true
	opts.Operator = protocol.OperatorLastRecord

	out, err := NewClient(mt, opts).RetrieveAllRecords(context.Background())
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if want := []byte{0x01, 0x06}; string(first) != string(want) {
		t.Errorf("first write = % x, want % x", first, want)
	}
	if out.RecordCountKnown {
		t.Error("RecordCountKnown = true without a count request")
	}
	if out.State != StateCompleted || len(out.Measurements) != 1 {
		t.Errorf("got %s with %d measurements", out.State, len(out.Measurements))
	}
}

func TestRetrieveAllRecordsPackageFunc(t *testing.T) {
	mt := newMockTransport(happyMeter(t, 1))
	out, err := RetrieveAllRecords(context.Background(), mt, time.Second)
	if err != nil {
		t.Fatalf("RetrieveAllRecords() error = %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("State = %s, want Completed", out.State)
	}
}

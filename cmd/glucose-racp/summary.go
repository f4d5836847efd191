package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
	"github.com/chaz8081/glucose-racp/internal/glucose"
)

// printSummary writes the human-readable result of a retrieval.
func printSummary(w io.Writer, device string, out *glucose.Outcome) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  %s: %s (%s)\n", device, out.State, out.Elapsed.Round(time.Millisecond))
	fmt.Fprintln(w, rule)

	if out.RecordCountKnown {
		fmt.Fprintf(w, "Device reported %d stored record(s)\n", out.RecordCount)
	}

	if len(out.Measurements) > 0 {
		fmt.Fprintf(w, "Received %d glucose measurement(s):\n", len(out.Measurements))
		for i, m := range out.Measurements {
			fmt.Fprintf(w, "%3d. Seq #%d: %s at %s%s\n", i+1, m.SequenceNumber, formatValue(m), m.Timestamp(time.UTC).Format(time.DateTime), formatStatus(m))
		}
	}

	switch out.State {
	case glucose.StateNoRecords:
		fmt.Fprintln(w, "No glucose measurements stored on the device.")
		fmt.Fprintln(w, "The meter answered the request but has no records; take a measurement first.")
	case glucose.StateTimedOut:
		fmt.Fprintln(w, "The meter did not finish before the deadline; results are partial.")
	case glucose.StateAborted:
		fmt.Fprintln(w, "Retrieval interrupted; results are partial.")
	case glucose.StateFailed:
		fmt.Fprintf(w, "Retrieval failed: %v\n", out.Err)
		fmt.Fprintln(w, "Check that the meter is paired, awake and supports the Glucose Service (0x1808).")
	}

	if out.DecodeErrors > 0 {
		fmt.Fprintf(w, "%d notification(s) could not be decoded\n", out.DecodeErrors)
	}
	if out.UnrecognizedResponses > 0 {
		fmt.Fprintf(w, "%d unrecognized RACP response(s) ignored\n", out.UnrecognizedResponses)
	}
	fmt.Fprintln(w, rule)
}

func formatValue(m protocol.Measurement) string {
	c := m.Concentration
	if c == nil {
		return "no value"
	}
	return fmt.Sprintf("%s %s", c.Value, c.Unit)
}

func formatStatus(m protocol.Measurement) string {
	if m.Status == nil || *m.Status == 0 {
		return ""
	}
	return fmt.Sprintf(" [%s]", m.Status)
}

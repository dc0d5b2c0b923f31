/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for diagnostics: bounded timeline, probe receipts, error
 * mapping
 */

package mtpusb

import (
	"errors"
	"testing"
	"time"
)

// TransactionRing must drop the oldest record once full, keeping
// Snapshot's order oldest-first.
func TestTransactionRingOverflow(t *testing.T) {
	r := NewTransactionRing(3)
	for i := uint32(1); i <= 5; i++ {
		r.Record(TransactionRecord{TxID: i})
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snap))
	}
	want := []uint32{3, 4, 5}
	for i, rec := range snap {
		if rec.TxID != want[i] {
			t.Errorf("snapshot[%d]: expected txid %d, got %d", i, want[i], rec.TxID)
		}
	}
}

// A zero/negative capacity falls back to TransactionRingCapacity.
func TestTransactionRingDefaultCapacity(t *testing.T) {
	r := NewTransactionRing(0)
	if cap(r.buf) != TransactionRingCapacity {
		t.Errorf("expected default capacity %d, got %d", TransactionRingCapacity, cap(r.buf))
	}
}

// LastReceipt reports the most recently recorded probe attempt.
func TestDiagnosticsLastReceipt(t *testing.T) {
	d := NewDiagnostics("dev-1")

	if _, ok := d.LastReceipt(); ok {
		t.Fatalf("expected no receipt before any RecordProbe call")
	}

	d.RecordProbe(ProbeReceipt{SessionOpened: false})
	d.RecordProbe(ProbeReceipt{SessionOpened: true, OpenedAt: time.Now()})

	receipt, ok := d.LastReceipt()
	if !ok {
		t.Fatalf("expected a receipt after RecordProbe")
	}
	if !receipt.SessionOpened {
		t.Errorf("expected the last receipt to report SessionOpened=true")
	}
}

// Format must not panic on a device with no session opened yet, and
// must still report the transaction timeline.
func TestDiagnosticsFormatNoSession(t *testing.T) {
	d := NewDiagnostics("dev-1")
	d.RecordTransaction(TransactionRecord{TxID: 1, OpcodeLabel: "GetDeviceInfo", Outcome: "ok"})

	out := string(d.Format())
	if out == "" {
		t.Fatalf("expected non-empty report")
	}
	if !contains(out, "no session has been opened yet") {
		t.Errorf("expected report to note no session opened, got:\n%s", out)
	}
	if !contains(out, "GetDeviceInfo") {
		t.Errorf("expected report to include the recorded transaction, got:\n%s", out)
	}
}

func contains(s, substr string) bool {
	return exactContains(s, substr)
}

func exactContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// ActionableError must recognize every sentinel it documents mapping,
// and fall back to the raw error text for anything else.
func TestActionableError(t *testing.T) {
	cases := []struct {
		err      error
		contains string
	}{
		{ErrDeviceDisconnected, "Reconnect"},
		{ErrNoDevice, "Reconnect"},
		{ErrPermissionDenied, "udev"},
		{ErrStorageFull, "full"},
		{ErrReadOnly, "write-protected"},
		{ErrWriteProtected, "write-protected"},
		{ErrVerificationFailed, "verification"},
	}
	for _, c := range cases {
		got := ActionableError(c.err)
		if !exactContains(got, c.contains) {
			t.Errorf("ActionableError(%v) = %q, expected to contain %q", c.err, got, c.contains)
		}
	}

	pe := &ProtocolError{Code: RCInvalidStorageID}
	got := ActionableError(pe)
	if !exactContains(got, ResponseCodeName(RCInvalidStorageID)) {
		t.Errorf("expected ProtocolError to be mapped via ResponseCodeName, got %q", got)
	}

	other := errors.New("some unrelated failure")
	if ActionableError(other) != other.Error() {
		t.Errorf("expected unrecognized error to fall back to its own message")
	}

	if ActionableError(nil) != "" {
		t.Errorf("expected nil error to map to empty string")
	}
}

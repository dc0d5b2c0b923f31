/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Diagnostics: bounded transaction timeline, probe receipts,
 * actionable error mapping
 */

package mtpusb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

// TransactionRing is a bounded, oldest-drops-first ring of
// TransactionRecord rows (spec §4.I).
type TransactionRing struct {
	mu   sync.Mutex
	buf  []TransactionRecord
	head int // index of the oldest record
	size int // number of valid records
}

// NewTransactionRing creates a ring of the given capacity.
func NewTransactionRing(capacity int) *TransactionRing {
	if capacity <= 0 {
		capacity = TransactionRingCapacity
	}
	return &TransactionRing{buf: make([]TransactionRecord, capacity)}
}

// Record appends rec, dropping the oldest entry once the ring is full.
func (r *TransactionRing) Record(rec TransactionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cap := len(r.buf)
	if r.size < cap {
		r.buf[(r.head+r.size)%cap] = rec
		r.size++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % cap
}

// Snapshot returns the ring's contents, oldest first.
func (r *TransactionRing) Snapshot() []TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TransactionRecord, r.size)
	cap := len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%cap]
	}
	return out
}

// Diagnostics aggregates one session's transaction timeline and probe
// receipt history (spec §4.I), mirroring the teacher's per-device
// status-table idiom (status.go) but scoped to a single session rather
// than a process-wide registry.
type Diagnostics struct {
	deviceID string
	ring     *TransactionRing

	mu       sync.Mutex
	receipts []ProbeReceipt
}

// NewDiagnostics creates a Diagnostics aggregator for one device
// session, with the default bounded timeline capacity.
func NewDiagnostics(deviceID string) *Diagnostics {
	return &Diagnostics{
		deviceID: deviceID,
		ring:     NewTransactionRing(TransactionRingCapacity),
	}
}

// RecordTransaction appends one transaction to the bounded timeline.
func (d *Diagnostics) RecordTransaction(rec TransactionRecord) {
	d.ring.Record(rec)
}

// RecordProbe appends a session-open attempt's receipt.
func (d *Diagnostics) RecordProbe(receipt ProbeReceipt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts = append(d.receipts, receipt)
}

// Timeline returns the bounded transaction ring, oldest first.
func (d *Diagnostics) Timeline() []TransactionRecord {
	return d.ring.Snapshot()
}

// LastReceipt returns the most recent probe receipt, if any.
func (d *Diagnostics) LastReceipt() (ProbeReceipt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.receipts) == 0 {
		return ProbeReceipt{}, false
	}
	return d.receipts[len(d.receipts)-1], true
}

// Format renders a human-readable capability/timeline report, in the
// same sorted-table style status.go uses for its per-device summary.
func (d *Diagnostics) Format() []byte {
	buf := &bytes.Buffer{}
	lw := &LineWriter{Callback: func(line []byte) { buf.Write(line) }}

	fmt.Fprintf(lw, "device %s:\n", d.deviceID)

	receipt, ok := d.LastReceipt()
	if !ok {
		fmt.Fprintf(lw, "  no session has been opened yet\n")
	} else {
		fmt.Fprintf(lw, "  session opened: %v\n", receipt.SessionOpened)
		fmt.Fprintf(lw, "  usb speed: %s, slow: %v\n", receipt.Capabilities.USBSpeed, receipt.Capabilities.ClassifiedSlow)
		fmt.Fprintf(lw, "  chunk size: %d bytes, io timeout: %d ms\n",
			receipt.Tuning.MaxChunkBytes, receipt.Tuning.IOTimeoutMs)
		for i, cand := range receipt.Probe.Candidates {
			status := "skipped"
			switch {
			case cand.Succeeded:
				status = "selected"
			case cand.Attempted:
				status = "failed"
			}
			fmt.Fprintf(lw, "  candidate %d: iface=%d score=%d %s\n",
				i, cand.Interface.InterfaceNum, cand.Score, status)
		}
	}

	timeline := d.Timeline()
	fmt.Fprintf(lw, "  transactions: %d (capacity %d)\n", len(timeline), TransactionRingCapacity)
	for _, rec := range timeline {
		fmt.Fprintf(lw, "    [%d] %-24s in=%-10d out=%-10d %-8v %s\n",
			rec.TxID, rec.OpcodeLabel, rec.BytesIn, rec.BytesOut, rec.Duration, rec.Outcome)
	}

	lw.Close()
	return buf.Bytes()
}

// ActionableError maps an internal error to a short, user-facing
// string (spec §4.I): the device's actual failure mode is rarely
// interesting to the person holding the cable.
func ActionableError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case IsBusy(err):
		return "Device appears to be in charging mode. Unlock your device and select \"File Transfer\"."
	case IsStall(err):
		return "The device stopped responding mid-transfer. Try reconnecting the USB cable."
	case errors.Is(err, ErrDeviceDisconnected), errors.Is(err, ErrNoDevice):
		return "Device disconnected. Reconnect it and retry."
	case errors.Is(err, ErrPermissionDenied):
		return "Access denied. Check udev rules or OS-level USB permissions."
	case errors.Is(err, ErrStorageFull):
		return "Storage is full on the device."
	case errors.Is(err, ErrReadOnly), errors.Is(err, ErrWriteProtected):
		return "The target storage or object is write-protected."
	case errors.Is(err, ErrVerificationFailed):
		return "Transfer completed but failed content verification; the file was removed from the device."
	default:
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return fmt.Sprintf("Device rejected the operation: %s.", ResponseCodeName(pe.Code))
		}
		return err.Error()
	}
}

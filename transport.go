/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Bulk transport: phase-classified endpoint I/O, stall recovery,
 * cancellation
 */

package mtpusb

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// EndpointLink is the minimal raw-endpoint surface BulkTransport needs.
// gousbLink backs it with real USB bulk endpoints; virtualLink backs
// it with a scripted in-memory device for tests (spec §9 "virtual
// link").
type EndpointLink interface {
	// BulkOut writes b to the OUT endpoint, returning bytes written.
	BulkOut(ctx context.Context, b []byte, timeout time.Duration) (int, error)
	// BulkIn reads into b from the IN endpoint, returning bytes read.
	BulkIn(ctx context.Context, b []byte, timeout time.Duration) (int, error)
	// ClearHaltOut/ClearHaltIn clear a stalled endpoint's halt condition.
	ClearHaltOut() error
	ClearHaltIn() error
	// Reset issues a USB device reset.
	Reset() error
	// Close releases the underlying interface/device handle.
	Close() error
}

// TimeoutBudget is the set of phase timeouts a BulkTransport consults;
// it is populated from an EffectiveTuning (spec §3/§4.B).
type TimeoutBudget struct {
	BulkOutTimeout      time.Duration
	BulkInTimeout       time.Duration
	ResponseWaitTimeout time.Duration
}

func (b TimeoutBudget) forPhase(p Phase) time.Duration {
	switch p {
	case PhaseBulkOut:
		return b.BulkOutTimeout
	case PhaseBulkIn:
		return b.BulkInTimeout
	case PhaseResponseWait:
		return b.ResponseWaitTimeout
	default:
		return b.BulkInTimeout
	}
}

// BulkTransport is the sole owner of one EndpointLink. No concurrent
// bulk I/O is permitted on it; serialization is the Device Session's
// responsibility (spec §4.B, §4.F).
type BulkTransport struct {
	link   EndpointLink
	budget TimeoutBudget
	log    *Logger

	closed int32 // atomic; set by Close, checked fast-path by callers
}

// NewBulkTransport wraps link with phase-timeout bookkeeping.
func NewBulkTransport(link EndpointLink, budget TimeoutBudget, log *Logger) *BulkTransport {
	return &BulkTransport{link: link, budget: budget, log: log}
}

// SetBudget replaces the active timeout budget (called when the Quirk
// Resolver recomputes EffectiveTuning mid-session).
func (t *BulkTransport) SetBudget(budget TimeoutBudget) {
	t.budget = budget
}

func (t *BulkTransport) isClosed() bool {
	return atomic.LoadInt32(&t.closed) != 0
}

// bulkWrite writes data in phase, retrying once on a pipe stall
// (spec §4.B recovery policy).
func (t *BulkTransport) bulkWrite(ctx context.Context, data []byte, phase Phase) (int, error) {
	if t.isClosed() {
		return 0, &TransportError{Kind: TransportNoDevice}
	}
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Kind: TransportIO, Phase: phase, Reason: err}
	}

	tm := t.budget.forPhase(phase)
	n, err := t.link.BulkOut(ctx, data, tm)
	if err == nil {
		return n, nil
	}
	if isStallErr(err) {
		if clrErr := t.link.ClearHaltOut(); clrErr != nil {
			return n, &TransportError{Kind: TransportIO, Phase: phase, Reason: clrErr}
		}
		n2, err2 := t.link.BulkOut(ctx, data[n:], tm)
		if err2 == nil {
			return n + n2, nil
		}
		if isStallErr(err2) {
			return n, &TransportError{Kind: TransportStall, Phase: phase}
		}
		return n, classifyIOErr(err2, phase)
	}
	if isTimeoutErr(err) {
		return n, &TransportError{Kind: TransportTimeoutInPhase, Phase: phase}
	}
	return n, classifyIOErr(err, phase)
}

// bulkRead reads into buf in phase, with the same stall-then-retry
// policy as bulkWrite.
func (t *BulkTransport) bulkRead(ctx context.Context, buf []byte, phase Phase) (int, error) {
	if t.isClosed() {
		return 0, &TransportError{Kind: TransportNoDevice}
	}
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Kind: TransportIO, Phase: phase, Reason: err}
	}

	tm := t.budget.forPhase(phase)
	n, err := t.link.BulkIn(ctx, buf, tm)
	if err == nil {
		return n, nil
	}
	if isStallErr(err) {
		if clrErr := t.link.ClearHaltIn(); clrErr != nil {
			return n, &TransportError{Kind: TransportIO, Phase: phase, Reason: clrErr}
		}
		n2, err2 := t.link.BulkIn(ctx, buf[n:], tm)
		if err2 == nil {
			return n + n2, nil
		}
		if isStallErr(err2) {
			return n, &TransportError{Kind: TransportStall, Phase: phase}
		}
		return n, classifyIOErr(err2, phase)
	}
	if isTimeoutErr(err) {
		return n, &TransportError{Kind: TransportTimeoutInPhase, Phase: phase}
	}
	return n, classifyIOErr(err, phase)
}

// clearHalt clears both endpoint halt conditions unconditionally; used
// by the Protocol Engine's resetOnDesync.
func (t *BulkTransport) clearHalt() error {
	if err := t.link.ClearHaltOut(); err != nil {
		return err
	}
	return t.link.ClearHaltIn()
}

// reset issues a full device reset, clearing any stall/desync state
// (spec §4.C "Reset").
func (t *BulkTransport) reset() error {
	return t.link.Reset()
}

// close releases the underlying link. Idempotent.
func (t *BulkTransport) close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.link.Close()
}

func classifyIOErr(err error, phase Phase) error {
	if err == io.EOF {
		return &TransportError{Kind: TransportNoDevice}
	}
	return &TransportError{Kind: TransportIO, Phase: phase, Reason: err}
}

// stallError and timeoutError are sentinel wrapper types EndpointLink
// implementations use to signal a condition BulkTransport must act on,
// distinct from an ordinary I/O failure.
type stallError struct{ error }
type timeoutError struct{ error }

func isStallErr(err error) bool {
	_, ok := err.(stallError)
	return ok
}

func isTimeoutErr(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// ErrStall wraps a cause as a pipe-stall condition, for EndpointLink
// implementations to return from BulkIn/BulkOut.
func ErrStall(cause error) error { return stallError{cause} }

// ErrEndpointTimeout wraps a cause as a phase-timeout condition.
func ErrEndpointTimeout(cause error) error { return timeoutError{cause} }

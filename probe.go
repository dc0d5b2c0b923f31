/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Probe Ladder: interface scoring, claim, open-session with retry
 */

package mtpusb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	classStillImage     uint8 = 0x06
	classVendorSpecific uint8 = 0xFF

	opOpenSession    uint16 = 0x1002
	opGetDeviceInfo  uint16 = 0x1001
)

// scoreCandidate implements the Probe Ladder's scoring table exactly
// (spec §4.D).
func scoreCandidate(ifd InterfaceDescriptor, quirkForcesInterface bool, mtpHints bool) int {
	if quirkForcesInterface {
		return 1 << 20 // force-select: always sorts first
	}
	score := 0
	if ifd.Class == classStillImage {
		score += 10
	}
	if ifd.Class == classVendorSpecific && mtpHints {
		score += 6
	}
	if ifd.BulkInAddr != 0 && ifd.BulkOutAddr != 0 && ifd.InterruptAddr != 0 {
		score += 4
	}
	if ifd.AltSetting == 0 {
		score += 1
	}
	return score
}

// LinkOpener opens an EndpointLink for one candidate interface. The
// real implementation claims the interface via gousb; the test
// implementation hands back a virtualLink.
type LinkOpener func(ctx context.Context, cand InterfaceDescriptor) (EndpointLink, error)

// ProbeLadder runs the candidate scoring/claim/open-session sequence
// of spec §4.D.
type ProbeLadder struct {
	open    LinkOpener
	quirks  *QuirkResolver
	log     *Logger
}

// NewProbeLadder wires a ProbeLadder against a LinkOpener and the
// process-wide QuirkResolver (for force-select overrides and
// resetOnOpen policy).
func NewProbeLadder(open LinkOpener, quirks *QuirkResolver, log *Logger) *ProbeLadder {
	return &ProbeLadder{open: open, quirks: quirks, log: log}
}

// Probe scores desc's candidate interfaces, attempts them in
// descending-score order, and returns the winning Engine plus a
// structured result for the ProbeReceipt.
func (p *ProbeLadder) Probe(ctx context.Context, desc DeviceDescriptor, tuning EffectiveTuning) (*Engine, InterfaceProbeResult, error) {
	forced, hasForced := p.quirks.ForcedInterface(desc)

	candidates := make([]InterfaceCandidate, len(desc.Interfaces))
	for i, ifd := range desc.Interfaces {
		forces := hasForced && interfacesEqual(ifd, forced)
		mtpHints := ifd.SubClass == 0x01 && ifd.Protocol == 0x01
		candidates[i] = InterfaceCandidate{
			Interface:     ifd,
			Score:         scoreCandidate(ifd, forces, mtpHints),
			ForcedByQuirk: forces,
		}
	}
	order := sortCandidatesByScoreDesc(candidates)

	var winner = -1
	for _, idx := range order {
		cand := &candidates[idx]
		cand.Attempted = true
		start := time.Now()

		engine, err := p.tryCandidate(ctx, desc, cand.Interface, tuning)
		cand.Elapsed = time.Since(start)
		if err != nil {
			cand.Err = err
			cand.SkipReason = err.Error()
			continue
		}
		cand.Succeeded = true
		winner = idx
		result := InterfaceProbeResult{Candidates: candidates, WinnerIdx: winner}
		return engine, result, nil
	}

	return nil, InterfaceProbeResult{Candidates: candidates, WinnerIdx: -1}, &ProtocolError{Message: "no candidate interface opened a session"}
}

// tryCandidate executes claim -> GetDeviceInfo -> OpenSession(1) for
// one candidate, with the single DeviceBusy reset-and-retry gated by
// policy.ResetOnOpen.
func (p *ProbeLadder) tryCandidate(ctx context.Context, desc DeviceDescriptor, ifd InterfaceDescriptor, tuning EffectiveTuning) (*Engine, error) {
	link, err := p.open(ctx, ifd)
	if err != nil {
		return nil, err
	}
	transport := NewBulkTransport(link, tuning.Budget(), p.log)
	engine := NewEngine(transport, tuning, p.log)

	handshakeCtx, cancel := context.WithTimeout(ctx, time.Duration(tuning.HandshakeTimeoutMs)*time.Millisecond)
	defer cancel()
	code, _, err := engine.executeCommand(handshakeCtx, opGetDeviceInfo, nil)
	if err != nil {
		transport.close()
		return nil, err
	}
	if code != RCOk {
		transport.close()
		return nil, &ProtocolError{Code: code, Message: "GetDeviceInfo"}
	}

	if err := p.openSessionWithRetry(ctx, engine, transport, tuning); err != nil {
		transport.close()
		return nil, err
	}

	return engine, nil
}

// openSessionWithRetry issues OpenSession(1), coercing
// SessionAlreadyOpen to success, and — if policy.ResetOnOpen permits —
// performs exactly one class-reset-then-retry on DeviceBusy (spec §4.D).
func (p *ProbeLadder) openSessionWithRetry(ctx context.Context, engine *Engine, transport *BulkTransport, tuning EffectiveTuning) error {
	_, _, err := engine.executeCommand(ctx, opOpenSession, []uint32{1})
	if err == nil {
		return nil // RCOk or RCSessionAlreadyOpen, both coerced to nil inside awaitResponse
	}

	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Code != RCDeviceBusy || !tuning.ResetOnOpen {
		return err
	}

	op := func() error {
		if rerr := transport.reset(); rerr != nil {
			return rerr
		}
		_, _, rerr := engine.executeCommand(ctx, opOpenSession, []uint32{1})
		return rerr
	}
	policy := constantRetryBackoff(200 * time.Millisecond)
	if pause := policy.NextBackOff(); pause != backoff.Stop {
		time.Sleep(pause)
	}
	return op()
}

func asProtocolError(err error, out **ProtocolError) bool {
	if pe, ok := err.(*ProtocolError); ok {
		*out = pe
		return true
	}
	return false
}

func interfacesEqual(a, b InterfaceDescriptor) bool {
	return a.ConfigNum == b.ConfigNum && a.InterfaceNum == b.InterfaceNum && a.AltSetting == b.AltSetting
}

// sortCandidatesByScoreDesc returns indices into candidates ordered by
// descending score (ties keep original order, matching the teacher's
// IfAddrs priority-order iteration style).
func sortCandidatesByScoreDesc(candidates []InterfaceCandidate) []int {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && candidates[order[j]].Score > candidates[order[j-1]].Score; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

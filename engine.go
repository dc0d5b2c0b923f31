/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Protocol Engine: command/data/response FSM, transaction IDs,
 * streaming data phases
 */

package mtpusb

import (
	"context"
	"io"
)

// engineState names the Protocol Engine's FSM states (spec §4.C).
type engineState int

const (
	engineIdle engineState = iota
	engineAwaitingData
	engineAwaitingResponse
)

// DataDirection selects which side of a data phase provides bytes.
type DataDirection int

const (
	DataIn DataDirection = iota
	DataOut
)

// ChunkProvider supplies the next chunk of a DataOut payload.
type ChunkProvider interface {
	// Next returns up to len(buf) bytes, or io.EOF when drained.
	Next(buf []byte) (int, error)
}

// ChunkSink consumes chunks of a DataIn payload.
type ChunkSink interface {
	Write(p []byte) (int, error)
}

// Engine drives one transaction at a time over a BulkTransport. It is
// exclusively owned by one Device Session (spec §3 ownership).
type Engine struct {
	transport *BulkTransport
	state     engineState
	nextTxID  uint32
	tuning    EffectiveTuning
	log       *Logger
}

// NewEngine wires an Engine onto transport. Transaction identifiers
// start at 1 and increment monotonically (spec §4.C).
func NewEngine(transport *BulkTransport, tuning EffectiveTuning, log *Logger) *Engine {
	return &Engine{transport: transport, state: engineIdle, nextTxID: 1, tuning: tuning, log: log}
}

// SetTuning updates the policy consulted for chunk sizing and retry
// budgets (called whenever the Quirk Resolver recomputes it).
func (e *Engine) SetTuning(tuning EffectiveTuning) {
	e.tuning = tuning
	e.transport.SetBudget(tuning.Budget())
}

// Transport returns the BulkTransport this Engine drives, so a caller
// that obtained the Engine through the Probe Ladder can hand both to
// NewSession without the Probe Ladder needing to expose its internals.
func (e *Engine) Transport() *BulkTransport {
	return e.transport
}

func (e *Engine) allocTxID() uint32 {
	id := e.nextTxID
	e.nextTxID++
	return id
}

// executeCommand performs a no-data-phase transaction: Command then
// Response (spec §4.C).
func (e *Engine) executeCommand(ctx context.Context, code uint16, params []uint32) (respCode uint16, respParams []uint32, err error) {
	if e.state != engineIdle {
		return 0, nil, &ProtocolError{Code: code, Message: "engine not idle"}
	}
	txID := e.allocTxID()
	e.state = engineAwaitingResponse
	defer func() { e.state = engineIdle }()

	if err := e.sendCommand(ctx, code, txID, params); err != nil {
		return 0, nil, err
	}

	return e.awaitResponse(ctx, code, txID)
}

func (e *Engine) sendCommand(ctx context.Context, code uint16, txID uint32, params []uint32) error {
	wire := EncodeCommand(ContainerCommand, code, txID, params)
	_, err := e.transport.bulkWrite(ctx, wire, PhaseBulkOut)
	return err
}

// awaitResponse reads the final Response container, retrying on
// DeviceBusy up to a configured busyBackoff hook's retry cap (spec §7
// "the Protocol Engine catches DeviceBusy response codes").
func (e *Engine) awaitResponse(ctx context.Context, code uint16, txID uint32) (uint16, []uint32, error) {
	hook := findHook(e.tuning.Hooks, HookOnDeviceBusy)
	attempt := 0
	for {
		buf := make([]byte, ContainerHeaderSize+4*MaxParams)
		n, err := e.transport.bulkRead(ctx, buf, PhaseResponseWait)
		if err != nil {
			return 0, nil, err
		}
		resp, derr := DecodeCommand(buf[:n])
		if derr != nil {
			return 0, nil, derr
		}
		if resp.Type != ContainerResponse || resp.TransactionID != txID {
			e.recoverFromDesync()
			return 0, nil, &ProtocolError{Code: resp.Code, Message: "unexpected container or mismatched transaction id"}
		}
		if resp.Code == RCDeviceBusy && hook != nil && hook.BusyBackoff != nil && attempt < hook.BusyBackoff.Retries {
			if err := busyBackoffSleep(ctx, *hook.BusyBackoff, attempt); err != nil {
				return 0, nil, err
			}
			attempt++
			continue
		}
		if resp.Code == RCSessionAlreadyOpen {
			return RCOk, resp.Params, nil
		}
		if resp.Code != RCOk {
			return resp.Code, resp.Params, &ProtocolError{Code: resp.Code}
		}
		return resp.Code, resp.Params, nil
	}
}

func findHook(hooks []PhaseHook, point PhaseHookPoint) *PhaseHook {
	for i := range hooks {
		if hooks[i].Phase == point {
			return &hooks[i]
		}
	}
	return nil
}

// executeStreamingCommand opens a data phase per spec §4.C: for
// DataIn it reads a header then streams payload bytes to sink in
// transport-sized reads until the declared length is exhausted; for
// DataOut it writes a header with the total length then pulls chunks
// from provider until drained. Chunk size is
// min(policy.maxChunkBytes, remaining).
func (e *Engine) executeStreamingCommand(
	ctx context.Context,
	code uint16,
	params []uint32,
	dir DataDirection,
	totalOutLen int64, // only consulted for DataOut
	provider ChunkProvider, // only consulted for DataOut
	sink ChunkSink, // only consulted for DataIn
) (respCode uint16, respParams []uint32, bytesMoved int64, err error) {
	if e.state != engineIdle {
		return 0, nil, 0, &ProtocolError{Code: code, Message: "engine not idle"}
	}
	txID := e.allocTxID()
	e.state = engineAwaitingData
	defer func() { e.state = engineIdle }()

	if err := e.sendCommand(ctx, code, txID, params); err != nil {
		return 0, nil, 0, err
	}

	if dir == DataOut {
		bytesMoved, err = e.streamDataOut(ctx, code, txID, totalOutLen, provider)
		if err != nil {
			return 0, nil, bytesMoved, err
		}
	} else {
		var early *earlyResponse
		bytesMoved, early, err = e.streamDataIn(ctx, txID, sink)
		if err != nil {
			return 0, nil, bytesMoved, err
		}
		if early != nil {
			// The device answered without a data phase, e.g. an
			// invalid-handle style failure (spec §4.C: a command that
			// fails need not produce a data phase before its response).
			return early.code, early.params, bytesMoved, nil
		}
	}

	e.state = engineAwaitingResponse
	respCode, respParams, err = e.awaitResponse(ctx, code, txID)
	return respCode, respParams, bytesMoved, err
}

// earlyResponse carries a Response container's code/params when it
// arrives in place of the Data container streamDataIn expected.
type earlyResponse struct {
	code   uint16
	params []uint32
}

func (e *Engine) streamDataOut(ctx context.Context, code uint16, txID uint32, totalLen int64, provider ChunkProvider) (int64, error) {
	header := EncodeDataHeader(code, txID, int(totalLen))
	if _, err := e.transport.bulkWrite(ctx, header, PhaseBulkOut); err != nil {
		return 0, err
	}

	chunkSize := e.tuning.MaxChunkBytes
	if chunkSize <= 0 {
		chunkSize = DefaultMaxChunkBytes
	}
	var sent int64
	buf := make([]byte, chunkSize)
	for sent < totalLen {
		remaining := totalLen - sent
		want := int64(chunkSize)
		if remaining < want {
			want = remaining
		}
		n, rerr := provider.Next(buf[:want])
		if n > 0 {
			if _, werr := e.transport.bulkWrite(ctx, buf[:n], PhaseBulkOut); werr != nil {
				return sent, werr
			}
			sent += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sent, rerr
		}
	}
	return sent, nil
}

func (e *Engine) streamDataIn(ctx context.Context, txID uint32, sink ChunkSink) (int64, *earlyResponse, error) {
	header := make([]byte, ContainerHeaderSize)
	n, err := e.transport.bulkRead(ctx, header, PhaseBulkIn)
	if err != nil {
		return 0, nil, err
	}
	length, typ, code, gotTxID, derr := DecodeHeader(header[:n])
	if derr != nil {
		return 0, nil, derr
	}
	if gotTxID != txID {
		e.recoverFromDesync()
		return 0, nil, &ProtocolError{Message: "unexpected container in data phase"}
	}
	if typ == ContainerResponse {
		rest := int(length) - ContainerHeaderSize
		var params []uint32
		if rest > 0 {
			buf := make([]byte, rest)
			if _, err := e.transport.bulkRead(ctx, buf, PhaseBulkIn); err != nil {
				return 0, nil, err
			}
			params = decodeU32Params(buf)
		}
		return 0, &earlyResponse{code: code, params: params}, nil
	}
	if typ != ContainerData {
		e.recoverFromDesync()
		return 0, nil, &ProtocolError{Message: "unexpected container in data phase"}
	}
	payloadLen := int64(length) - ContainerHeaderSize
	if payloadLen < 0 {
		return 0, nil, &CodecError{Kind: CodecTruncated, Detail: "negative payload length"}
	}

	chunkSize := e.tuning.MaxChunkBytes
	if chunkSize <= 0 {
		chunkSize = DefaultMaxChunkBytes
	}
	var received int64
	buf := make([]byte, chunkSize)
	for received < payloadLen {
		want := int64(chunkSize)
		if remaining := payloadLen - received; remaining < want {
			want = remaining
		}
		n, rerr := e.transport.bulkRead(ctx, buf[:want], PhaseBulkIn)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return received, nil, werr
			}
			received += int64(n)
		}
		if rerr != nil {
			return received, nil, rerr
		}
		if n == 0 {
			return received, nil, &TransportError{Kind: TransportIO, Phase: PhaseBulkIn, Reason: io.ErrUnexpectedEOF}
		}
	}
	return received, nil, nil
}

// decodeU32Params decodes a Response container's trailing parameter
// bytes into uint32s, using the same byteOrder as the rest of the
// wire codec.
func decodeU32Params(buf []byte) []uint32 {
	params := make([]uint32, 0, len(buf)/4)
	for i := 0; i+4 <= len(buf); i += 4 {
		params = append(params, byteOrder.Uint32(buf[i:i+4]))
	}
	return params
}

// resetOnDesync clears both endpoint halts and issues a device reset,
// per spec §4.C "Reset: on ResetDevice or on unrecoverable phase
// desynchronization".
func (e *Engine) resetOnDesync() error {
	if err := e.transport.clearHalt(); err != nil {
		return err
	}
	e.state = engineIdle
	return e.transport.reset()
}

// recoverFromDesync calls resetOnDesync from the two places that
// detect an unrecoverable phase desync (a mismatched transaction id or
// an unexpected container type), logging a failed reset rather than
// masking the original ProtocolError with it.
func (e *Engine) recoverFromDesync() {
	if err := e.resetOnDesync(); err != nil && e.log != nil {
		e.log.Begin().Error(' ', "engine: reset after phase desync failed: %s", err).Commit()
	}
}

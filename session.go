/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Device Session: per-device actor owning one Protocol Engine,
 * transaction lock, event pump and user-facing operations
 */

package mtpusb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Session operation opcodes (PTP standard; reused by pipeline.go too).
const (
	opGetStorageIDs       uint16 = 0x1004
	opGetStorageInfo      uint16 = 0x1005
	opGetObjectHandles    uint16 = 0x1007
	opGetObjectInfo       uint16 = 0x1008
	opGetObject           uint16 = 0x1009
	opDeleteObject        uint16 = 0x100B
	opSendObjectInfo      uint16 = 0x100C
	opSendObject          uint16 = 0x100D
	opGetPartialObject    uint16 = 0x101B
	opMoveObject          uint16 = 0x1019
	opCopyObject          uint16 = 0x101A
	opCreateFolder        uint16 = 0x100C // reuses SendObjectInfo/SendObject sequence
	opSendPartialObject   uint16 = 0x9501
	opGetPartialObject64  uint16 = 0x95C1
	opCloseSession        uint16 = 0x1003
)

// Event is one decoded event container routed by the event pump
// (spec §4.F).
type Event struct {
	Code   uint16
	Params []uint32
}

// EventStream is a bounded drop-oldest fan-out channel of Events.
type EventStream <-chan Event

// Session is the per-device actor owning one Protocol Engine. All
// protocol operations funnel through a single FIFO transaction lock
// (spec §4.F); concurrent callers queue in arrival order.
type Session struct {
	engine    *Engine
	transport *BulkTransport
	tuning    EffectiveTuning
	log       *Logger
	journal   *Journal
	deviceID  string

	txLock   chan struct{} // 1-buffered; acts as the FIFO transaction lock
	holder   int64         // goroutine-local caller tag currently holding txLock, 0 if free
	holderMu sync.Mutex

	events    chan Event
	eventStop chan struct{}
	eventLink EndpointLink // optional interrupt-endpoint reader; nil disables the pump

	mu             sync.Mutex
	openSince      time.Time
	txCount        int64
	bytesIn        int64
	bytesOut       int64
	closed         bool
	needsReconcile bool
}

// NewSession wires a Session around an already-opened Engine/transport
// pair produced by the Probe Ladder, generalizing the teacher's
// device.go "bring all parts together" constructor shape (own the
// transport, then wire the rest) with the HTTP/DNS-SD middle removed.
func NewSession(engine *Engine, transport *BulkTransport, tuning EffectiveTuning, log *Logger, journal *Journal, deviceID string) *Session {
	s := &Session{
		engine:    engine,
		transport: transport,
		tuning:    tuning,
		log:       log,
		journal:   journal,
		deviceID:  deviceID,
		txLock:    make(chan struct{}, 1),
		openSince: time.Now(),
	}
	s.txLock <- struct{}{}
	return s
}

// ErrSessionBusyCaller is returned when the same caller tag attempts
// to reenter the transaction lock it already holds (spec §4.F
// "Concurrent callers that would deadlock").
var ErrSessionBusyCaller = errors.New("transaction lock already held by this caller")

// acquire takes the FIFO transaction lock, observing ctx cancellation.
// callerTag identifies the logical caller for reentrancy detection; 0
// means "don't check".
func (s *Session) acquire(ctx context.Context, callerTag int64) (func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrDeviceDisconnected
	}

	if callerTag != 0 {
		s.holderMu.Lock()
		busy := s.holder == callerTag
		s.holderMu.Unlock()
		if busy {
			return nil, ErrSessionBusyCaller
		}
	}
	select {
	case <-s.txLock:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.holderMu.Lock()
	s.holder = callerTag
	s.holderMu.Unlock()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		s.holderMu.Lock()
		s.holder = 0
		s.holderMu.Unlock()
		s.txLock <- struct{}{}
	}
	return release, nil
}

// checkFatal closes the session once err is one of the session-fatal
// codes (spec §7): DeviceDisconnected, repeated Stall, or NoDevice.
// Every operation below funnels its engine/transport error here before
// returning it, so a mid-operation disconnect is observed exactly
// once and every subsequent call fails fast via acquire's closed check
// instead of retrying a dead link.
func (s *Session) checkFatal(err error) {
	if err == nil || !IsSessionFatal(err) {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) recordTx(bytesIn, bytesOut int64) {
	s.mu.Lock()
	s.txCount++
	s.bytesIn += bytesIn
	s.bytesOut += bytesOut
	s.mu.Unlock()
}

// NeedsReconcile reports whether a cancelled write/read left partial
// remote state that the next ReconcilePartials call should check for.
func (s *Session) NeedsReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsReconcile
}

// Snapshot returns a read-only copy of this session's counters, safe
// to read without the transaction lock (spec §3 "references upward
// are read-only snapshots").
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		OpenSince:        s.openSince,
		TransactionsSent: s.txCount,
		BytesIn:          s.bytesIn,
		BytesOut:         s.bytesOut,
		Policy:           s.tuning,
		Closed:           s.closed,
	}
}

// SetTuning updates the active policy, propagating to the Engine and
// (if events are running) leaving the event pump's cadence to be
// picked up on its next iteration.
func (s *Session) SetTuning(tuning EffectiveTuning) {
	s.mu.Lock()
	s.tuning = tuning
	s.mu.Unlock()
	s.engine.SetTuning(tuning)
}

// Info issues GetDeviceInfo and returns the raw response params. The
// DeviceInfo dataset of the data phase is read and discarded; it is
// neither decoded nor returned (kept thin here per spec §4.F's
// operation list, which names `info` without prescribing its return
// shape).
func (s *Session) Info(ctx context.Context) ([]uint32, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	_, params, _, err := s.engine.executeStreamingCommand(ctx, opGetDeviceInfo, nil, DataIn, 0, nil, &bufSink{})
	s.recordTx(0, 0)
	s.checkFatal(err)
	return params, err
}

// bufSink adapts a []byte accumulator to ChunkSink.
type bufSink struct{ buf []byte }

func (b *bufSink) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Storages returns every StorageInfo on the device (spec §4.F
// `storages`).
func (s *Session) Storages(ctx context.Context) ([]StorageInfo, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	ids, err := s.getStorageIDs(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]StorageInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.getStorageInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Session) getStorageIDs(ctx context.Context) ([]uint32, error) {
	sink := &bufSink{}
	code, _, n, err := s.engine.executeStreamingCommand(ctx, opGetStorageIDs, nil, DataIn, 0, nil, sink)
	s.recordTx(n, 0)
	s.checkFatal(err)
	if err != nil {
		return nil, err
	}
	if code != RCOk {
		return nil, &ProtocolError{Code: code, Message: "GetStorageIDs"}
	}
	tv, _, derr := DecodeTypedValue(TypeAUint32, sink.buf)
	if derr != nil {
		return nil, derr
	}
	ids := make([]uint32, len(tv.Uints))
	for i, v := range tv.Uints {
		ids[i] = uint32(v)
	}
	return ids, nil
}

func (s *Session) getStorageInfo(ctx context.Context, storageID uint32) (StorageInfo, error) {
	sink := &bufSink{}
	code, _, n, err := s.engine.executeStreamingCommand(ctx, opGetStorageInfo, []uint32{storageID}, DataIn, 0, nil, sink)
	s.recordTx(n, 0)
	s.checkFatal(err)
	if err != nil {
		return StorageInfo{}, err
	}
	if code != RCOk {
		return StorageInfo{}, &ProtocolError{Code: code, Message: "GetStorageInfo"}
	}
	return decodeStorageInfoWire(storageID, sink.buf)
}

// List enumerates object handles under parent within storage (spec
// §4.F `list`, lazy/batched in spirit — this implementation returns
// the full handle set per call, since PTP's GetObjectHandles is
// itself a single bulk reply rather than a paginated one).
func (s *Session) List(ctx context.Context, storageID, parent uint32) ([]uint32, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	sink := &bufSink{}
	params := []uint32{storageID, 0, parent}
	code, _, n, err := s.engine.executeStreamingCommand(ctx, opGetObjectHandles, params, DataIn, 0, nil, sink)
	s.recordTx(n, 0)
	s.checkFatal(err)
	if err != nil {
		return nil, err
	}
	if code != RCOk {
		return nil, &ProtocolError{Code: code, Message: "GetObjectHandles"}
	}
	tv, _, derr := DecodeTypedValue(TypeAUint32, sink.buf)
	if derr != nil {
		return nil, derr
	}
	handles := make([]uint32, len(tv.Uints))
	for i, v := range tv.Uints {
		handles[i] = uint32(v)
	}
	return handles, nil
}

// GetInfo fetches one object's ObjectInfo (spec §4.F `getInfo`).
func (s *Session) GetInfo(ctx context.Context, handle uint32) (ObjectInfo, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer release()

	sink := &bufSink{}
	code, _, n, err := s.engine.executeStreamingCommand(ctx, opGetObjectInfo, []uint32{handle}, DataIn, 0, nil, sink)
	s.recordTx(n, 0)
	s.checkFatal(err)
	if err != nil {
		return ObjectInfo{}, err
	}
	if code != RCOk {
		return ObjectInfo{}, &ProtocolError{Code: code, Message: "GetObjectInfo"}
	}
	return decodeObjectInfoWire(handle, sink.buf)
}

// Read streams an object's content into sink (spec §4.F `read`);
// caller is expected to have already registered the transfer with the
// Transfer Journal when durability/resume matters — this method only
// drives the protocol, leaving pooling/EWMA/fallback to the Transfer
// Pipeline (§4.G) layered above it.
func (s *Session) Read(ctx context.Context, handle uint32, sink ChunkSink) (int64, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return 0, err
	}
	defer release()

	code, _, n, err := s.engine.executeStreamingCommand(ctx, opGetObject, []uint32{handle}, DataIn, 0, nil, sink)
	s.recordTx(n, 0)
	s.checkFatal(err)
	if err != nil {
		if ctx.Err() != nil {
			s.reconcileOnNextOpenLocked()
			return n, ErrCancelled
		}
		return n, err
	}
	if code != RCOk {
		return n, &ProtocolError{Code: code, Message: "GetObject"}
	}
	return n, nil
}

// Write streams size bytes from provider into a new object under
// parent (spec §4.F `write`).
func (s *Session) Write(ctx context.Context, parent uint32, name string, size int64, storageID uint32, provider ChunkProvider) (uint32, error) {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return 0, err
	}
	defer release()

	info := ObjectInfo{StorageID: storageID, Parent: parent, Name: name, SizeBytes: uint64p(uint64(size))}
	wire := encodeObjectInfoForSend(info)
	code, _, _, err := s.engine.executeStreamingCommand(ctx, opSendObjectInfo, []uint32{storageID, parent}, DataOut, int64(len(wire)), newByteProvider(wire), nil)
	s.checkFatal(err)
	if err != nil {
		return 0, err
	}
	if code != RCOk {
		return 0, &ProtocolError{Code: code, Message: "SendObjectInfo"}
	}

	code, respParams, n, err := s.engine.executeStreamingCommand(ctx, opSendObject, nil, DataOut, size, provider, nil)
	s.recordTx(0, n)
	s.checkFatal(err)
	if err != nil {
		if ctx.Err() != nil {
			s.reconcileOnNextOpenLocked()
			return 0, ErrCancelled
		}
		return 0, err
	}
	if code != RCOk {
		return 0, &ProtocolError{Code: code, Message: "SendObject"}
	}
	var handle uint32
	if len(respParams) > 0 {
		handle = respParams[0]
	}
	return handle, nil
}

// Delete removes handle (spec §4.F `delete`); recursive is advisory —
// it always issues DeleteObject(handle, 0), and PTP's DeleteObject on
// a folder already removes its contents; a non-recursive single-object
// delete has no standard opcode, so recursive=false still issues the
// same command (documented limitation, not a silent no-op).
func (s *Session) Delete(ctx context.Context, handle uint32, recursive bool) error {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer release()

	code, _, err := s.engine.executeCommand(ctx, opDeleteObject, []uint32{handle, 0})
	s.recordTx(0, 0)
	s.checkFatal(err)
	if err != nil {
		return err
	}
	if code != RCOk {
		return &ProtocolError{Code: code, Message: "DeleteObject"}
	}
	return nil
}

// Move relocates handle under newParent (spec §4.F `move`).
func (s *Session) Move(ctx context.Context, handle, newParent, storageID uint32) error {
	release, err := s.acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer release()

	code, _, err := s.engine.executeCommand(ctx, opMoveObject, []uint32{handle, storageID, newParent})
	s.recordTx(0, 0)
	s.checkFatal(err)
	if err != nil {
		return err
	}
	if code != RCOk {
		return &ProtocolError{Code: code, Message: "MoveObject"}
	}
	return nil
}

// Rename is not a dedicated PTP opcode; most devices expose it as a
// SetObjectPropValue on the ObjectFilename property (0xDC07). This
// session treats any RCOperationNotSupported as NotSupported so higher
// layers can fall back to copy+delete.
func (s *Session) Rename(ctx context.Context, handle uint32, newName string) error {
	const opSetObjectPropValue = 0x9804
	const propObjectFilename = 0xDC07

	release, err := s.acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer release()

	wire := encodeMTPString(newName)
	code, _, _, err := s.engine.executeStreamingCommand(ctx, opSetObjectPropValue, []uint32{handle, propObjectFilename}, DataOut, int64(len(wire)), newByteProvider(wire), nil)
	s.recordTx(0, 0)
	s.checkFatal(err)
	if err != nil {
		return err
	}
	if code == RCOperationNotSupported {
		return &NotSupported{Op: "rename"}
	}
	if code != RCOk {
		return &ProtocolError{Code: code, Message: "SetObjectPropValue(ObjectFilename)"}
	}
	return nil
}

// CreateFolder creates a new association (folder) object (spec §4.F
// `createFolder`).
func (s *Session) CreateFolder(ctx context.Context, parent uint32, name string, storageID uint32) (uint32, error) {
	const formatAssociation = 0x3001

	release, err := s.acquire(ctx, 0)
	if err != nil {
		return 0, err
	}
	defer release()

	info := ObjectInfo{StorageID: storageID, Parent: parent, Name: name, FormatCode: formatAssociation, IsDirectory: true}
	wire := encodeObjectInfoForSend(info)
	code, respParams, _, err := s.engine.executeStreamingCommand(ctx, opSendObjectInfo, []uint32{storageID, parent}, DataOut, int64(len(wire)), newByteProvider(wire), nil)
	s.recordTx(0, 0)
	s.checkFatal(err)
	if err != nil {
		return 0, err
	}
	if code != RCOk {
		return 0, &ProtocolError{Code: code, Message: "SendObjectInfo(folder)"}
	}
	var handle uint32
	if len(respParams) > 0 {
		handle = respParams[0]
	}
	return handle, nil
}

// ReconcilePartials implements spec §4.F "Reconciliation": for every
// journal write record with a remoteHandle and state active|failed,
// query the device for that handle; if found with size < totalBytes,
// delete the partial remote object so re-upload can start clean.
func (s *Session) ReconcilePartials(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	s.mu.Lock()
	s.needsReconcile = false
	s.mu.Unlock()

	records, err := s.journal.Resumables(s.deviceID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Kind != TransferWrite || rec.RemoteHandle == nil {
			continue
		}
		info, err := s.GetInfo(ctx, *rec.RemoteHandle)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Code == RCInvalidObjectHandle {
				continue
			}
			return err
		}
		if info.SizeBytes != nil && rec.TotalBytes != nil && *info.SizeBytes < *rec.TotalBytes {
			if derr := s.Delete(ctx, *rec.RemoteHandle, false); derr != nil {
				return derr
			}
		}
	}
	return nil
}

func (s *Session) reconcileOnNextOpenLocked() {
	// The actual remote-state check happens lazily on the session's
	// next ReconcilePartials call rather than synchronously inside the
	// cancelled call, since the transport may be mid-recovery at this
	// point (spec §4.F "Cancellation... attempts reconcilePartials()
	// on next open").
	s.mu.Lock()
	s.needsReconcile = true
	s.mu.Unlock()
}

// Close ends the session: issues CloseSession and stops the event
// pump, if running. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.StopEventPump()

	release, err := s.acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_, _, err = s.engine.executeCommand(ctx, opCloseSession, nil)
	return err
}

// --- Event pump (spec §4.F) ---

// StartEventPump launches the interrupt-endpoint reader if events are
// not disabled by policy and link is non-nil. Returns the fan-out
// stream; callers that never call this get no events, matching
// "higher layers fall back to periodic refresh" when events are
// disabled.
func (s *Session) StartEventPump(link EndpointLink) EventStream {
	s.mu.Lock()
	disabled := s.tuning.DisableEventPump
	delay := time.Duration(s.tuning.EventPumpDelayMs) * time.Millisecond
	s.mu.Unlock()

	if disabled || link == nil {
		return nil
	}

	s.eventLink = link
	s.events = make(chan Event, 64)
	s.eventStop = make(chan struct{})

	go s.pumpLoop(link, delay)
	return s.events
}

func (s *Session) pumpLoop(link EndpointLink, delay time.Duration) {
	buf := make([]byte, ContainerHeaderSize+4*MaxParams)
	for {
		select {
		case <-s.eventStop:
			close(s.events)
			return
		default:
		}

		n, err := link.BulkIn(context.Background(), buf, delay)
		if err != nil || n < ContainerHeaderSize {
			time.Sleep(delay)
			continue
		}
		_, typ, code, _, derr := DecodeHeader(buf[:n])
		if derr != nil || typ != ContainerEvent {
			continue
		}
		if !isRecognizedEvent(code) {
			continue
		}
		params := decodeEventParams(buf[:n])
		ev := Event{Code: code, Params: params}
		select {
		case s.events <- ev:
		default:
			// drop-oldest: make room, then enqueue (spec §4.F
			// "bounded drop-oldest channel")
			select {
			case <-s.events:
			default:
			}
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

func isRecognizedEvent(code uint16) bool {
	switch code {
	case EventObjectAdded, EventObjectRemoved, EventObjectMoved, EventStorageInfoChanged:
		return true
	default:
		return false
	}
}

func decodeEventParams(container []byte) []uint32 {
	const maxParams = MaxParams
	params := make([]uint32, 0, maxParams)
	off := ContainerHeaderSize
	for off+4 <= len(container) && len(params) < maxParams {
		params = append(params, byteOrder.Uint32(container[off:off+4]))
		off += 4
	}
	return params
}

// StopEventPump stops the event pump goroutine, if running. Idempotent.
func (s *Session) StopEventPump() {
	if s.eventStop == nil {
		return
	}
	select {
	case <-s.eventStop:
	default:
		close(s.eventStop)
	}
	s.eventStop = nil
}

// --- wire helpers local to the session's object-info encode/decode ---

func uint64p(v uint64) *uint64 { return &v }

// byteProvider adapts a fixed byte slice to ChunkProvider, consuming
// itself as Next is called.
type byteProvider struct{ remaining []byte }

func newByteProvider(b []byte) *byteProvider { return &byteProvider{remaining: b} }

func (b *byteProvider) Next(buf []byte) (int, error) {
	if len(b.remaining) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, b.remaining)
	b.remaining = b.remaining[n:]
	return n, nil
}

func decodeStorageInfoWire(storageID uint32, buf []byte) (StorageInfo, error) {
	if len(buf) < 2+2+2+8+8+4 {
		return StorageInfo{}, &CodecError{Kind: CodecTruncated, Detail: "StorageInfo"}
	}
	off := 0
	off += 2 // storage type, unused
	fsType := byteOrder.Uint16(buf[off:])
	off += 2
	accessCaps := byteOrder.Uint16(buf[off:])
	off += 2
	capacity := byteOrder.Uint64(buf[off:])
	off += 8
	free := byteOrder.Uint64(buf[off:])
	off += 8
	off += 4 // free objects, unused

	descVal, consumed, err := decodeMTPString(buf[off:])
	if err != nil {
		return StorageInfo{}, err
	}
	off += consumed

	return StorageInfo{
		StorageID:      storageID,
		Description:    descVal.Str,
		CapacityBytes:  capacity,
		FreeBytes:      free,
		ReadOnly:       accessCaps != 0,
		FileSystemType: fsTypeName(fsType),
	}, nil
}

func fsTypeName(code uint16) string {
	switch code {
	case 0x0001:
		return "generic-flat"
	case 0x0002:
		return "generic-hierarchical"
	case 0x0003:
		return "dcf"
	default:
		return fmt.Sprintf("0x%04x", code)
	}
}

func decodeObjectInfoWire(handle uint32, buf []byte) (ObjectInfo, error) {
	if len(buf) < 4+2+2+2+4+4+4+4+4+4+4+4+4+4+4 {
		return ObjectInfo{}, &CodecError{Kind: CodecTruncated, Detail: "ObjectInfo"}
	}
	off := 0
	storageID := byteOrder.Uint32(buf[off:])
	off += 4
	format := byteOrder.Uint16(buf[off:])
	off += 2
	off += 2 // protection status
	size := byteOrder.Uint32(buf[off:])
	off += 4
	off += 2 // thumb format
	off += 4 // thumb compressed size
	off += 4 // thumb pix width
	off += 4 // thumb pix height
	off += 4 // image pix width
	off += 4 // image pix height
	off += 4 // image bit depth
	parent := byteOrder.Uint32(buf[off:])
	off += 4
	off += 2 // association type
	off += 4 // association desc
	off += 4 // sequence number

	nameVal, consumed, err := decodeMTPString(buf[off:])
	if err != nil {
		return ObjectInfo{}, err
	}
	off += consumed

	const formatAssociation = 0x3001
	return ObjectInfo{
		Handle:      handle,
		StorageID:   storageID,
		Parent:      parent,
		Name:        normalizeObjectName(nameVal.Str),
		SizeBytes:   uint64p(uint64(size)),
		FormatCode:  format,
		IsDirectory: format == formatAssociation,
	}, nil
}

// normalizeObjectName puts a device-supplied object name into Unicode
// canonical composed form (NFC) before it is ever used as a local
// filesystem path component (spec §4.C). Devices that hand out
// decomposed (NFD) names -- macOS-formatted storage is the common
// case -- would otherwise produce a local path component that fails a
// byte-equality match against the same name typed on the host.
func normalizeObjectName(name string) string {
	if norm.NFC.IsNormalString(name) {
		return name
	}
	return norm.NFC.String(name)
}

func encodeObjectInfoForSend(info ObjectInfo) []byte {
	buf := make([]byte, 0, 64+2*len(info.Name))
	var u32 [4]byte
	byteOrder.PutUint32(u32[:], info.StorageID)
	buf = append(buf, u32[:]...)
	var u16 [2]byte
	byteOrder.PutUint16(u16[:], info.FormatCode)
	buf = append(buf, u16[:]...)
	buf = append(buf, 0, 0) // protection status
	var size uint32
	if info.SizeBytes != nil {
		size = uint32(*info.SizeBytes)
	}
	byteOrder.PutUint32(u32[:], size)
	buf = append(buf, u32[:]...)
	buf = append(buf, make([]byte, 2+4+4+4+4+4+4)...) // thumb/image fields, zeroed
	byteOrder.PutUint32(u32[:], info.Parent)
	buf = append(buf, u32[:]...)
	buf = append(buf, make([]byte, 2+4+4)...) // association type/desc/sequence
	buf = append(buf, encodeMTPString(info.Name)...)
	buf = append(buf, encodeMTPString("")...) // keywords, empty
	return buf
}

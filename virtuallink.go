/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * virtualLink: an in-memory scripted EndpointLink satisfying the same
 * contract as gousbLink, used by the test suite in place of real
 * hardware (spec §9 "Transport substitution")
 */

package mtpusb

import (
	"context"
	"sync"
	"time"
)

// VirtualObject is one object the VirtualDevice serves.
type VirtualObject struct {
	Info    ObjectInfo
	Content []byte
}

// VirtualDevice is the scripted device config a virtualLink consumes:
// supported ops, storages, and preloaded objects, plus fault injection
// knobs used to drive the end-to-end scenarios of spec §8.
type VirtualDevice struct {
	mu sync.Mutex

	Storages map[uint32]StorageInfo
	Objects  map[uint32]*VirtualObject
	NextHandle uint32

	SupportsPartialObject64 bool
	SupportsSendPartial     bool

	sessionOpen bool

	// StallOnceForOpcode triggers ErrStall on the first BulkIn
	// response read following that opcode's command, then clears
	// itself (spec §8 scenario 1).
	StallOnceForOpcode map[uint16]bool

	// BusyAtCumulativeBytes triggers one RCDeviceBusy response the
	// first time a streaming transfer's cumulative byte count for the
	// named opcode reaches or exceeds the threshold (spec §8 scenario 2).
	BusyAtCumulativeBytes map[uint16]int64
	cumulativeBytes       map[uint16]int64
	busyFired             map[uint16]bool

	txID uint32
}

// NewVirtualDevice returns an empty scripted device ready for the
// caller to populate Storages/Objects.
func NewVirtualDevice() *VirtualDevice {
	return &VirtualDevice{
		Storages:              make(map[uint32]StorageInfo),
		Objects:               make(map[uint32]*VirtualObject),
		NextHandle:            1,
		StallOnceForOpcode:    make(map[uint16]bool),
		BusyAtCumulativeBytes: make(map[uint16]int64),
		cumulativeBytes:       make(map[uint16]int64),
		busyFired:             make(map[uint16]bool),
	}
}

// virtualLink implements EndpointLink against a VirtualDevice. One
// virtualLink is not safe for concurrent command dispatch, matching
// the real BulkTransport's "no concurrent bulk I/O" contract.
type virtualLink struct {
	dev *VirtualDevice

	outAccum []byte // accumulating bytes from BulkOut until one container is complete
	inQueue  []byte // bytes queued for BulkIn to drain
	lastCode uint16 // opcode of the most recently decoded command, for fault injection
}

// newVirtualLink wraps dev.
func newVirtualLink(dev *VirtualDevice) *virtualLink {
	return &virtualLink{dev: dev}
}

func (l *virtualLink) BulkOut(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.outAccum = append(l.outAccum, b...)
	l.drainOutAccum()
	return len(b), nil
}

func (l *virtualLink) BulkIn(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.dev.mu.Lock()
	stall := l.dev.StallOnceForOpcode[l.lastCode]
	if stall {
		l.dev.StallOnceForOpcode[l.lastCode] = false
	}
	l.dev.mu.Unlock()
	if stall {
		return 0, ErrStall(nil)
	}

	if len(l.inQueue) == 0 {
		return 0, nil
	}
	n := copy(b, l.inQueue)
	l.inQueue = l.inQueue[n:]
	return n, nil
}

func (l *virtualLink) ClearHaltOut() error { return nil }
func (l *virtualLink) ClearHaltIn() error  { return nil }
func (l *virtualLink) Reset() error {
	l.outAccum = nil
	l.inQueue = nil
	return nil
}
func (l *virtualLink) Close() error { return nil }

// drainOutAccum decodes complete containers out of outAccum and
// dispatches them, queuing the scripted response into inQueue.
func (l *virtualLink) drainOutAccum() {
	for {
		if len(l.outAccum) < ContainerHeaderSize {
			return
		}
		length, typ, code, txID, err := DecodeHeader(l.outAccum)
		if err != nil || int(length) > len(l.outAccum) {
			return // wait for more bytes
		}
		container := l.outAccum[:length]
		l.outAccum = l.outAccum[length:]

		switch typ {
		case ContainerCommand:
			l.lastCode = code
			params, _ := DecodeCommand(container)
			l.dispatchCommand(code, txID, params.Params)
		case ContainerData:
			l.dispatchDataOut(l.lastCode, txID, container[ContainerHeaderSize:])
		}
	}
}

func (l *virtualLink) queueResponse(code uint16, txID uint32, params []uint32) {
	l.inQueue = append(l.inQueue, EncodeCommand(ContainerResponse, code, txID, params)...)
}

func (l *virtualLink) queueData(opcode uint16, txID uint32, payload []byte) {
	l.inQueue = append(l.inQueue, EncodeDataHeader(opcode, txID, len(payload))...)
	l.inQueue = append(l.inQueue, payload...)
}

// dispatchCommand implements just enough of the MTP operation set to
// drive the scripted scenarios of spec §8 and the engine/session/
// pipeline test suites: OpenSession, CloseSession, GetStorageIDs,
// GetStorageInfo, GetObjectHandles, GetObjectInfo, GetObject,
// GetPartialObject64, DeleteObject, SendObjectInfo, SendObject.
// Anything else responds OperationNotSupported.
func (l *virtualLink) dispatchCommand(code uint16, txID uint32, params []uint32) {
	const (
		opOpenSession        = 0x1002
		opGetStorageIDs      = 0x1004
		opGetStorageInfo     = 0x1005
		opGetObjectHandles   = 0x1007
		opGetObjectInfo      = 0x1008
		opGetObject          = 0x1009
		opDeleteObject       = 0x100B
		opSendObjectInfo     = 0x100C
		opSendObject         = 0x100D
		opGetPartialObject64 = 0x95C1
	)

	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()

	if busy := l.maybeBusyLocked(code); busy {
		l.queueResponse(RCDeviceBusy, txID, nil)
		return
	}

	switch code {
	case opOpenSession:
		l.dev.sessionOpen = true
		l.queueResponse(RCOk, txID, nil)
	case opCloseSession:
		l.dev.sessionOpen = false
		l.queueResponse(RCOk, txID, nil)
	case opGetStorageIDs:
		ids := make([]uint32, 0, len(l.dev.Storages))
		for id := range l.dev.Storages {
			ids = append(ids, id)
		}
		l.queueData(code, txID, encodeU32Array(ids))
		l.queueResponse(RCOk, txID, nil)
	case opGetStorageInfo:
		if len(params) < 1 {
			l.queueResponse(RCInvalidStorageID, txID, nil)
			return
		}
		si, ok := l.dev.Storages[params[0]]
		if !ok {
			l.queueResponse(RCInvalidStorageID, txID, nil)
			return
		}
		l.queueData(code, txID, encodeStorageInfo(si))
		l.queueResponse(RCOk, txID, nil)
	case opGetObjectHandles:
		handles := make([]uint32, 0, len(l.dev.Objects))
		for h, obj := range l.dev.Objects {
			if len(params) > 0 && params[0] != 0 && obj.Info.StorageID != params[0] {
				continue
			}
			handles = append(handles, h)
		}
		l.queueData(code, txID, encodeU32Array(handles))
		l.queueResponse(RCOk, txID, nil)
	case opGetObjectInfo:
		obj, ok := l.objectFor(params)
		if !ok {
			l.queueResponse(RCInvalidObjectHandle, txID, nil)
			return
		}
		l.queueData(code, txID, encodeObjectInfo(obj.Info))
		l.queueResponse(RCOk, txID, nil)
	case opGetObject:
		obj, ok := l.objectFor(params)
		if !ok {
			l.queueResponse(RCInvalidObjectHandle, txID, nil)
			return
		}
		l.streamObjectLocked(code, txID, obj, 0, int64(len(obj.Content)))
	case opGetPartialObject64:
		obj, ok := l.objectFor(params)
		if !ok || !l.dev.SupportsPartialObject64 || len(params) < 3 {
			l.queueResponse(RCOperationNotSupported, txID, nil)
			return
		}
		offset := int64(params[1])
		length := int64(params[2])
		l.streamObjectLocked(code, txID, obj, offset, length)
	case opDeleteObject:
		if len(params) < 1 {
			l.queueResponse(RCInvalidObjectHandle, txID, nil)
			return
		}
		delete(l.dev.Objects, params[0])
		l.queueResponse(RCOk, txID, nil)
	case opSendObjectInfo:
		// The actual object is created once the following Data
		// container arrives; see dispatchDataOut. It gets NextHandle,
		// which this response reports.
		l.queueResponse(RCOk, txID, []uint32{l.dev.NextHandle})
	case opSendObject:
		// Reports the handle of the object the preceding
		// SendObjectInfo created.
		l.queueResponse(RCOk, txID, []uint32{l.dev.NextHandle - 1})
	default:
		l.queueResponse(RCOperationNotSupported, txID, nil)
	}
}

func (l *virtualLink) dispatchDataOut(code uint16, txID uint32, payload []byte) {
	const opSendObjectInfo = 0x100C
	if code != opSendObjectInfo {
		return
	}
	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	handle := l.dev.NextHandle
	l.dev.NextHandle++
	l.dev.Objects[handle] = &VirtualObject{
		Info: ObjectInfo{Handle: handle, IsDirectory: false},
	}
}

func (l *virtualLink) objectFor(params []uint32) (*VirtualObject, bool) {
	if len(params) < 1 {
		return nil, false
	}
	obj, ok := l.dev.Objects[params[0]]
	return obj, ok
}

// streamObjectLocked queues the whole data phase and an OK response
// for GetObject/GetPartialObject and adds the bytes sent to the
// opcode's cumulative count, which maybeBusyLocked checks when the
// next command arrives (spec §8 scenario 2). Caller holds dev.mu.
func (l *virtualLink) streamObjectLocked(code uint16, txID uint32, obj *VirtualObject, offset, length int64) {
	end := offset + length
	if end > int64(len(obj.Content)) {
		end = int64(len(obj.Content))
	}
	chunk := obj.Content[offset:end]
	l.dev.cumulativeBytes[code] += int64(len(chunk))
	l.queueData(code, txID, chunk)
	l.queueResponse(RCOk, txID, nil)
}

// maybeBusyLocked reports and fires the scripted once-only busy
// response for opcode, if its cumulative-bytes threshold has been
// reached. Caller holds dev.mu.
func (l *virtualLink) maybeBusyLocked(code uint16) bool {
	threshold, has := l.dev.BusyAtCumulativeBytes[code]
	if !has || l.dev.busyFired[code] {
		return false
	}
	if l.dev.cumulativeBytes[code] >= threshold {
		l.dev.busyFired[code] = true
		return true
	}
	return false
}

func encodeU32Array(ids []uint32) []byte {
	v := TypedValue{Type: TypeAUint32}
	for _, id := range ids {
		v.Uints = append(v.Uints, uint64(id))
	}
	return EncodeTypedValue(v)
}

func encodeStorageInfo(si StorageInfo) []byte {
	buf := make([]byte, 0, 32+2*len(si.Description))
	var u16 [2]byte
	var u64 [8]byte
	buf = append(buf, 0, 0, 0, 0) // storage type, filesystem type
	var accessCaps uint16
	if si.ReadOnly {
		accessCaps = 1
	}
	byteOrder.PutUint16(u16[:], accessCaps)
	buf = append(buf, u16[:]...)
	byteOrder.PutUint64(u64[:], si.CapacityBytes)
	buf = append(buf, u64[:]...)
	byteOrder.PutUint64(u64[:], si.FreeBytes)
	buf = append(buf, u64[:]...)
	buf = append(buf, 0, 0, 0, 0) // free space in objects
	buf = append(buf, encodeMTPString(si.Description)...)
	return buf
}

func encodeObjectInfo(info ObjectInfo) []byte {
	return encodeObjectInfoForSend(info)
}

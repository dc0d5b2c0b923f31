/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for the Device Session: storages/objects/read/write/delete
 * against a scripted virtual device
 */

package mtpusb

import (
	"bytes"
	"context"
	"testing"
)

// newTestSession wires a Session directly over a virtualLink, the way
// the Probe Ladder wires one over a real gousbLink once a candidate
// interface is claimed.
func newTestSession(t *testing.T, dev *VirtualDevice) *Session {
	t.Helper()
	link := newVirtualLink(dev)
	tuning := DefaultEffectiveTuning()
	transport := NewBulkTransport(link, tuning.Budget(), NewLogger())
	engine := NewEngine(transport, tuning, NewLogger())
	return NewSession(engine, transport, tuning, NewLogger(), nil, "dev-1")
}

func TestSessionStorages(t *testing.T) {
	dev := NewVirtualDevice()
	dev.Storages[1] = StorageInfo{StorageID: 1, Description: "Internal", CapacityBytes: 1 << 30, FreeBytes: 1 << 20}

	s := newTestSession(t, dev)
	storages, err := s.Storages(context.Background())
	if err != nil {
		t.Fatalf("Storages: %s", err)
	}
	if len(storages) != 1 {
		t.Fatalf("expected 1 storage, got %d", len(storages))
	}
	if storages[0].Description != "Internal" {
		t.Errorf("expected description Internal, got %q", storages[0].Description)
	}
	if storages[0].CapacityBytes != 1<<30 {
		t.Errorf("expected capacity %d, got %d", 1<<30, storages[0].CapacityBytes)
	}
}

func TestSessionListAndGetInfo(t *testing.T) {
	dev := NewVirtualDevice()
	dev.Objects[7] = &VirtualObject{Info: ObjectInfo{Handle: 7, StorageID: 1, Name: "photo.jpg"}, Content: []byte("hello")}

	s := newTestSession(t, dev)
	handles, err := s.List(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(handles) != 1 || handles[0] != 7 {
		t.Fatalf("expected [7], got %v", handles)
	}

	info, err := s.GetInfo(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetInfo: %s", err)
	}
	if info.Name != "photo.jpg" {
		t.Errorf("expected name photo.jpg, got %q", info.Name)
	}
}

func TestSessionReadObject(t *testing.T) {
	dev := NewVirtualDevice()
	dev.Objects[7] = &VirtualObject{Info: ObjectInfo{Handle: 7}, Content: []byte("hello world")}

	s := newTestSession(t, dev)
	sink := &bufSink{}
	n, err := s.Read(context.Background(), 7, sink)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if n != int64(len("hello world")) {
		t.Errorf("expected %d bytes, got %d", len("hello world"), n)
	}
	if !bytes.Equal(sink.buf, []byte("hello world")) {
		t.Errorf("expected %q, got %q", "hello world", sink.buf)
	}
}

func TestSessionReadUnknownHandle(t *testing.T) {
	dev := NewVirtualDevice()
	s := newTestSession(t, dev)

	_, err := s.Read(context.Background(), 999, &bufSink{})
	if err == nil {
		t.Fatalf("expected an error reading an unknown handle")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Code != RCInvalidObjectHandle {
		t.Errorf("expected InvalidObjectHandle, got %v", err)
	}
}

func TestSessionWriteThenDelete(t *testing.T) {
	dev := NewVirtualDevice()
	s := newTestSession(t, dev)

	content := []byte("uploaded content")
	handle, err := s.Write(context.Background(), 0, "note.txt", int64(len(content)), 1, newByteProvider(content))
	if err != nil {
		t.Fatalf("Write: %s", err)
	}
	if handle == 0 {
		t.Fatalf("expected a non-zero handle")
	}

	if err := s.Delete(context.Background(), handle, false); err != nil {
		t.Fatalf("Delete: %s", err)
	}

	if _, ok := dev.Objects[handle]; ok {
		t.Errorf("expected object %d to be gone after Delete", handle)
	}
}

// The transaction lock must serialize concurrent callers rather than
// corrupt shared engine state; issuing two Storages calls back to
// back from goroutines must both succeed.
func TestSessionConcurrentCallersSerialize(t *testing.T) {
	dev := NewVirtualDevice()
	dev.Storages[1] = StorageInfo{StorageID: 1, Description: "Internal"}

	s := newTestSession(t, dev)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Storages(context.Background())
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Storages call failed: %s", err)
		}
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	dev := NewVirtualDevice()
	s := newTestSession(t, dev)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close should be a no-op, got: %s", err)
	}
}

/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for the transfer pipeline: pure helpers (chunk fallback
 * ladder, EWMA throughput, pooled buffers) and end-to-end Download/
 * Upload against a scripted virtual device
 */

package mtpusb

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// The ladder must strictly halve from one step below start down to
// MinChunkBytes, always ending exactly at MinChunkBytes.
func TestChunkFallbackLadder(t *testing.T) {
	ladder := chunkFallbackLadder(DefaultMaxChunkBytes)
	if len(ladder) == 0 {
		t.Fatalf("expected a non-empty ladder")
	}
	if ladder[len(ladder)-1] != MinChunkBytes {
		t.Fatalf("expected ladder to end at MinChunkBytes (%d), got %d", MinChunkBytes, ladder[len(ladder)-1])
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i-1] <= ladder[i] {
			t.Errorf("expected strictly decreasing ladder, got %v", ladder)
		}
	}
}

// Starting already at MinChunkBytes must still yield a ladder whose
// only rung is MinChunkBytes, not an empty one.
func TestChunkFallbackLadderAtFloor(t *testing.T) {
	ladder := chunkFallbackLadder(MinChunkBytes)
	if len(ladder) != 1 || ladder[0] != MinChunkBytes {
		t.Fatalf("expected [%d], got %v", MinChunkBytes, ladder)
	}
}

// The EWMA's first sample sets the baseline outright; later samples
// blend toward the new value rather than snapping to it.
func TestThroughputEWMA(t *testing.T) {
	var ewma throughputEWMA

	first := ewma.sample(1<<20, time.Second)
	if first <= 0 {
		t.Fatalf("expected a positive throughput, got %f", first)
	}

	second := ewma.sample(2<<20, time.Second)
	if second <= first {
		t.Errorf("expected a higher sample to raise the average, got %f after %f", second, first)
	}
	if second >= 2.0 {
		t.Errorf("expected the average to be damped below the raw 2 MB/s sample, got %f", second)
	}
}

// A zero elapsed duration must not divide by zero.
func TestThroughputEWMAZeroElapsed(t *testing.T) {
	var ewma throughputEWMA
	if got := ewma.sample(1024, 0); got < 0 {
		t.Errorf("expected a non-negative throughput, got %f", got)
	}
}

// get() blocks until a buffer is available, and a put() unblocks it.
func TestBufferPoolBlocksWhenExhausted(t *testing.T) {
	pool := newBufferPool(64, 1)

	ctx := context.Background()
	buf, err := pool.get(ctx)
	if err != nil {
		t.Fatalf("get: %s", err)
	}

	done := make(chan struct{})
	go func() {
		b, err := pool.get(ctx)
		if err != nil {
			t.Errorf("blocked get: %s", err)
		}
		if b == nil {
			t.Errorf("expected a buffer")
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected the second get to block while the pool is exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	pool.put(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected put() to unblock the waiting get()")
	}
}

// get() must respect context cancellation rather than block forever.
func TestBufferPoolGetRespectsContext(t *testing.T) {
	pool := newBufferPool(64, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := pool.get(ctx)
	if err == nil {
		t.Fatalf("expected get() to fail once the context expires")
	}
}

// isFallbackEligible recognizes both categories the ladder steps
// down on: endpoint stall and device-busy.
func TestIsFallbackEligible(t *testing.T) {
	if !isFallbackEligible(&TransportError{Kind: TransportStall}) {
		t.Errorf("expected a stall error to be fallback-eligible")
	}
	te := &TransportError{Kind: TransportBusy}
	if !isFallbackEligible(te) {
		t.Errorf("expected a busy TransportError to be fallback-eligible")
	}
	if isFallbackEligible(ErrObjectNotFound) {
		t.Errorf("expected an unrelated error to not be fallback-eligible")
	}
}

// A single pipe stall on GetObject's first data-phase read must be
// absorbed by BulkTransport's own stall-then-retry (spec §8 scenario
// 1) and never reach Pipeline.Download's chunk-fallback ladder at
// all: the download completes on the ladder's first (unmodified)
// rung.
func TestPipelineDownloadRecoversFromSingleStall(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	dev := NewVirtualDevice()
	dev.Objects[1] = &VirtualObject{Info: ObjectInfo{Handle: 1}, Content: content}
	dev.StallOnceForOpcode[opGetObject] = true

	s := newTestSession(t, dev)
	p := NewPipeline(s, nil, NewLogger())

	var dest bytes.Buffer
	if err := p.Download(context.Background(), "xfer-1", 1, uint64(len(content)), &dest); err != nil {
		t.Fatalf("Download: %s", err)
	}
	if dest.String() != string(content) {
		t.Errorf("expected %q, got %q", content, dest.String())
	}
	if s.Snapshot().Policy.MaxChunkBytes != DefaultMaxChunkBytes {
		t.Errorf("expected a recovered single stall to leave the chunk size untouched, got %d", s.Snapshot().Policy.MaxChunkBytes)
	}
}

// A DeviceBusy on GetObject's very first attempt (spec §8 scenario 2)
// must drive Pipeline.Download to step down the chunk-fallback ladder
// and retry; VirtualDevice's BusyAtCumulativeBytes fires the busy
// response exactly once, so the retried attempt succeeds.
func TestPipelineDownloadFallsBackOnDeviceBusy(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef")
	dev := NewVirtualDevice()
	dev.Objects[1] = &VirtualObject{Info: ObjectInfo{Handle: 1}, Content: content}
	dev.BusyAtCumulativeBytes[opGetObject] = 0

	s := newTestSession(t, dev)
	p := NewPipeline(s, nil, NewLogger())

	var dest bytes.Buffer
	if err := p.Download(context.Background(), "xfer-2", 1, uint64(len(content)), &dest); err != nil {
		t.Fatalf("Download: %s", err)
	}
	if dest.String() != string(content) {
		t.Errorf("expected %q, got %q", content, dest.String())
	}
	if got := s.Snapshot().Policy.MaxChunkBytes; got >= DefaultMaxChunkBytes {
		t.Errorf("expected the ladder to have stepped down from %d, got %d", DefaultMaxChunkBytes, got)
	}
}

// Pipeline.Upload's round trip: local bytes pipelined through
// SendObjectInfo/SendObject land in the virtual device as a new
// object with the uploaded content's handle recorded.
func TestPipelineUploadRoundTrip(t *testing.T) {
	content := []byte("uploaded via the transfer pipeline")
	dev := NewVirtualDevice()
	dev.Storages[1] = StorageInfo{StorageID: 1}

	s := newTestSession(t, dev)
	p := NewPipeline(s, nil, NewLogger())

	handle, err := p.Upload(context.Background(), "xfer-3", 0, "note.txt", 1, int64(len(content)), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Upload: %s", err)
	}
	if handle == 0 {
		t.Fatalf("expected a non-zero handle")
	}
	if _, ok := dev.Objects[handle]; !ok {
		t.Fatalf("expected the uploaded object to exist on the device")
	}
}

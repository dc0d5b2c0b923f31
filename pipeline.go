/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Transfer Pipeline: two-stage pooled streaming read/write, chunk
 * fallback ladder, EWMA throughput, content-hash verification
 */

package mtpusb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sync"
	"time"
)

// chunkBuf is one pooled transfer buffer.
type chunkBuf struct {
	data []byte
}

// bufferPool hands out fixed-size buffers from a bounded set,
// mirroring logger.go's sync.Pool-backed reuse idiom but implemented
// over a buffered channel rather than sync.Pool: the pipeline's
// back-pressure requirement (spec §5 "Stage 1 suspends until Stage 2
// releases") needs a pool that genuinely blocks when exhausted, which
// sync.Pool's GC-friendly, never-blocking Get does not provide.
type bufferPool struct {
	bufs chan *chunkBuf
	size int
}

func newBufferPool(size, depth int) *bufferPool {
	bp := &bufferPool{bufs: make(chan *chunkBuf, depth), size: size}
	for i := 0; i < depth; i++ {
		bp.bufs <- &chunkBuf{data: make([]byte, size)}
	}
	return bp
}

func (bp *bufferPool) get(ctx context.Context) (*chunkBuf, error) {
	select {
	case b := <-bp.bufs:
		if cap(b.data) < bp.size {
			b.data = make([]byte, bp.size)
		} else {
			b.data = b.data[:bp.size]
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (bp *bufferPool) put(b *chunkBuf) {
	select {
	case bp.bufs <- b:
	default:
		// pool already full (shrunk mid-transfer); drop the buffer
	}
}

// throughputEWMA tracks an exponentially-weighted moving average of
// transfer throughput in MB/s (spec §4.G, alpha=0.2).
type throughputEWMA struct {
	mu   sync.Mutex
	mbps float64
	have bool
}

const throughputEWMAAlpha = 0.2

func (t *throughputEWMA) sample(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	mbps := (float64(bytes) / (1 << 20)) / elapsed.Seconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.have {
		t.mbps = mbps
		t.have = true
	} else {
		t.mbps = throughputEWMAAlpha*mbps + (1-throughputEWMAAlpha)*t.mbps
	}
	return t.mbps
}

// ProgressFunc receives throttled progress updates from a pipeline
// transfer. total is 0 when the size is unknown.
type ProgressFunc func(committed, total uint64, mbps float64)

// Pipeline layers pooled, two-stage streaming and the chunk-fallback
// ladder over a Device Session's protocol-driving Read/Write, and
// durably records progress through a Transfer Journal (spec §4.G).
type Pipeline struct {
	session  *Session
	journal  *Journal
	log      *Logger
	progress ProgressFunc
	throttle time.Duration
	verify   bool
}

// NewPipeline builds a Transfer Pipeline over an already-open session.
func NewPipeline(session *Session, journal *Journal, log *Logger) *Pipeline {
	return &Pipeline{
		session:  session,
		journal:  journal,
		log:      log,
		throttle: DefaultProgressThrottle,
		verify:   true,
	}
}

// WithProgress attaches a throttled progress callback.
func (p *Pipeline) WithProgress(fn ProgressFunc) *Pipeline {
	p.progress = fn
	return p
}

// WithVerification toggles content-hash verification on completion.
func (p *Pipeline) WithVerification(verify bool) *Pipeline {
	p.verify = verify
	return p
}

// chunkFallbackLadder returns the sequence of chunk sizes the pipeline
// steps through after a Stall or DeviceBusy, starting one step below
// start and halving down to MinChunkBytes (spec §4.G).
func chunkFallbackLadder(start int) []int {
	var ladder []int
	for c := start / 2; c >= MinChunkBytes; c /= 2 {
		ladder = append(ladder, c)
	}
	if len(ladder) == 0 || ladder[len(ladder)-1] != MinChunkBytes {
		ladder = append(ladder, MinChunkBytes)
	}
	return ladder
}

func isFallbackEligible(err error) bool {
	return IsStall(err) || IsBusy(err)
}

// pipelineSink is a ChunkSink that hands each chunk it receives from
// the Protocol Engine to a pooled-buffer channel for Stage 2 to drain,
// decoupling wire reads (Stage 1) from local-sink writes (Stage 2).
type pipelineSink struct {
	pool *bufferPool
	ch   chan *chunkBuf
	ctx  context.Context
}

func (s *pipelineSink) Write(p []byte) (int, error) {
	buf, err := s.pool.get(s.ctx)
	if err != nil {
		return 0, err
	}
	if cap(buf.data) < len(p) {
		buf.data = make([]byte, len(p))
	}
	buf.data = buf.data[:len(p)]
	copy(buf.data, p)
	select {
	case s.ch <- buf:
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
	return len(p), nil
}

// Download streams handle's content to dest, pipelining wire reads
// against local writes, recording progress in the journal, and
// stepping the chunk-fallback ladder on Stall/DeviceBusy (spec §4.G
// "Download (read)").
func (p *Pipeline) Download(ctx context.Context, transferID string, handle uint32, totalBytes uint64, dest io.Writer) error {
	tuning := p.session.Snapshot().Policy
	ladder := append([]int{tuning.MaxChunkBytes}, chunkFallbackLadder(tuning.MaxChunkBytes)...)

	for step, chunkBytes := range ladder {
		t := tuning
		t.MaxChunkBytes = chunkBytes
		p.session.SetTuning(t)

		err := p.downloadOnce(ctx, transferID, handle, totalBytes, dest)
		if err == nil {
			return nil
		}
		if !isFallbackEligible(err) || step == len(ladder)-1 {
			if p.journal != nil {
				p.journal.Fail(transferID, err)
			}
			return err
		}
		if p.log != nil {
			p.log.Begin().Debug(' ', "pipeline: download stall/busy, falling back to %d byte chunks", ladder[step+1]).Commit()
		}
	}
	return errors.New("pipeline: chunk fallback ladder exhausted")
}

func (p *Pipeline) downloadOnce(ctx context.Context, transferID string, handle uint32, totalBytes uint64, dest io.Writer) error {
	tuning := p.session.Snapshot().Policy
	pool := newBufferPool(tuning.MaxChunkBytes, DefaultBufferPoolDepth)
	ch := make(chan *chunkBuf, 2)
	sink := &pipelineSink{pool: pool, ch: ch, ctx: ctx}

	var hasher hash.Hash
	if p.verify {
		hasher = sha256.New()
	}

	var committed uint64
	var throughput throughputEWMA
	lastProgress := time.Time{}
	stage2Err := make(chan error, 1)

	go func() {
		defer close(stage2Err)
		for buf := range ch {
			start := time.Now()
			n := len(buf.data)
			if _, err := dest.Write(buf.data); err != nil {
				stage2Err <- err
				return
			}
			if hasher != nil {
				hasher.Write(buf.data)
			}
			committed += uint64(n)
			mbps := throughput.sample(int64(n), time.Since(start))
			pool.put(buf)

			if p.journal != nil {
				p.journal.UpdateProgress(transferID, committed)
			}
			if p.progress != nil && time.Since(lastProgress) >= p.throttle {
				p.progress(committed, totalBytes, mbps)
				lastProgress = time.Now()
			}
		}
	}()

	_, readErr := p.session.Read(ctx, handle, sink)
	close(ch)
	if drainErr := <-stage2Err; drainErr != nil && readErr == nil {
		readErr = drainErr
	}
	if readErr != nil {
		return readErr
	}

	if p.verify && totalBytes != 0 && committed != totalBytes {
		p.session.Delete(ctx, handle, false)
		return ErrVerificationFailed
	}
	if p.journal != nil {
		if hasher != nil {
			p.journal.AddContentHash(transferID, hex.EncodeToString(hasher.Sum(nil)))
		}
		p.journal.RecordThroughput(transferID, throughput.sample(0, time.Millisecond))
		p.journal.Complete(transferID)
	}
	return nil
}

// pipelineProvider is a ChunkProvider that pulls pooled buffers filled
// by Stage 1 (local source reads) and hands them to the Protocol
// Engine (Stage 2), the upload-side mirror of pipelineSink.
type pipelineProvider struct {
	ch      chan *chunkBuf
	pool    *bufferPool
	current []byte
}

func (p *pipelineProvider) Next(buf []byte) (int, error) {
	for len(p.current) == 0 {
		next, ok := <-p.ch
		if !ok {
			return 0, io.EOF
		}
		p.current = next.data
		p.pool.put(next)
	}
	n := copy(buf, p.current)
	p.current = p.current[n:]
	return n, nil
}

// Upload streams size bytes from src into a new object under parent,
// pipelining local reads against wire writes and stepping the
// chunk-fallback ladder on Stall/DeviceBusy (spec §4.G "Upload
// (write)").
func (p *Pipeline) Upload(ctx context.Context, transferID string, parent uint32, name string, storageID uint32, size int64, src io.Reader) (uint32, error) {
	tuning := p.session.Snapshot().Policy
	ladder := append([]int{tuning.MaxChunkBytes}, chunkFallbackLadder(tuning.MaxChunkBytes)...)

	for step, chunkBytes := range ladder {
		t := tuning
		t.MaxChunkBytes = chunkBytes
		p.session.SetTuning(t)

		handle, err := p.uploadOnce(ctx, transferID, parent, name, storageID, size, src)
		if err == nil {
			return handle, nil
		}
		if !isFallbackEligible(err) || step == len(ladder)-1 {
			if p.journal != nil {
				p.journal.Fail(transferID, err)
			}
			return 0, err
		}
		if p.log != nil {
			p.log.Begin().Debug(' ', "pipeline: upload stall/busy, falling back to %d byte chunks", ladder[step+1]).Commit()
		}
	}
	return 0, errors.New("pipeline: chunk fallback ladder exhausted")
}

func (p *Pipeline) uploadOnce(ctx context.Context, transferID string, parent uint32, name string, storageID uint32, size int64, src io.Reader) (uint32, error) {
	tuning := p.session.Snapshot().Policy
	pool := newBufferPool(tuning.MaxChunkBytes, DefaultBufferPoolDepth)
	ch := make(chan *chunkBuf, 2)
	provider := &pipelineProvider{ch: ch, pool: pool}

	var hasher hash.Hash
	if p.verify {
		hasher = sha256.New()
	}

	var committed uint64
	var throughput throughputEWMA
	lastProgress := time.Time{}
	stage1Err := make(chan error, 1)

	go func() {
		defer close(stage1Err)
		defer close(ch)
		for {
			buf, err := pool.get(ctx)
			if err != nil {
				stage1Err <- err
				return
			}
			start := time.Now()
			n, rerr := src.Read(buf.data)
			if n > 0 {
				buf.data = buf.data[:n]
				if hasher != nil {
					hasher.Write(buf.data)
				}
				committed += uint64(n)
				mbps := throughput.sample(int64(n), time.Since(start))

				select {
				case ch <- buf:
				case <-ctx.Done():
					stage1Err <- ctx.Err()
					return
				}

				if p.journal != nil {
					p.journal.UpdateProgress(transferID, committed)
				}
				if p.progress != nil && time.Since(lastProgress) >= p.throttle {
					p.progress(committed, uint64(size), mbps)
					lastProgress = time.Now()
				}
			} else {
				pool.put(buf)
			}
			if rerr != nil {
				if rerr != io.EOF {
					stage1Err <- rerr
				}
				return
			}
		}
	}()

	handle, writeErr := p.session.Write(ctx, parent, name, size, storageID, provider)
	if stage1err := <-stage1Err; stage1err != nil && writeErr == nil {
		writeErr = stage1err
	}
	if writeErr != nil {
		return 0, writeErr
	}

	if p.journal != nil {
		p.journal.RecordRemoteHandle(transferID, handle)
		if hasher != nil {
			p.journal.AddContentHash(transferID, hex.EncodeToString(hasher.Sum(nil)))
		}
		p.journal.RecordThroughput(transferID, throughput.sample(0, time.Millisecond))
		p.journal.Complete(transferID)
	}
	return handle, nil
}

/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tuning and layout constants
 */

package mtpusb

import "time"

const (
	// DefaultHandshakeTimeout bounds the first data byte of the
	// initial GetDeviceInfo during probing.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultIOTimeout bounds ordinary bulk I/O phases.
	DefaultIOTimeout = 10 * time.Second

	// DefaultInactivityTimeout aborts a data phase that makes no
	// byte progress for this long.
	DefaultInactivityTimeout = 15 * time.Second

	// DefaultOverallDeadline bounds a whole command end-to-end.
	DefaultOverallDeadline = 60 * time.Second

	// DefaultMaxChunkBytes is the chunk size used for streaming
	// transfers, absent any better signal.
	DefaultMaxChunkBytes = 1 << 20 // 1 MiB

	// MinChunkBytes is the floor the chunk fallback ladder will
	// not shrink below.
	MinChunkBytes = 256 << 10 // 256 KiB

	// Safe-mode forced values (see QuirkResolver "safe" bypass).
	SafeModeChunkBytes      = 128 << 10
	SafeModeIOTimeout       = 30 * time.Second
	SafeModeOverallDeadline = 5 * time.Minute

	// DefaultEventPumpDelay paces the interrupt-endpoint poll loop.
	DefaultEventPumpDelay = 250 * time.Millisecond

	// DefaultProgressThrottle limits how often pipeline progress
	// callbacks fire.
	DefaultProgressThrottle = 200 * time.Millisecond

	// DefaultBufferPoolDepth is the number of pooled chunk buffers
	// the transfer pipeline preallocates.
	DefaultBufferPoolDepth = 16

	// TransactionRingCapacity bounds the diagnostics timeline ring.
	TransactionRingCapacity = 1000

	// MaxPathReconstructDepth caps parent-chain walks against
	// cyclic handle graphs.
	MaxPathReconstructDepth = 1000

	// LearnedProfileMinSamples/LearnedProfileSuccessPct gate when a
	// learned profile is trusted by the quirk resolver.
	LearnedProfileMinSamples = 8
	LearnedProfileSuccessPct = 0.8

	// DevShutdownTimeout bounds a session's graceful shutdown.
	DevShutdownTimeout = 5 * time.Second
)

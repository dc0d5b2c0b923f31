/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Data model (spec §3): device identity, storage/object records,
 * effective tuning, transfer journal rows, probe receipts
 */

package mtpusb

import "time"

// DeviceDescriptor is the opaque identity discovery hands to the
// Probe Ladder: stable for the duration of one USB attach.
type DeviceDescriptor struct {
	VendorID    uint16
	ProductID   uint16
	BCDDevice   uint16
	Interfaces  []InterfaceDescriptor
	SerialUSB   string // optional
	SpeedClass  string // optional, e.g. "high", "super"
}

// InterfaceDescriptor is one candidate interface's class triple and
// endpoint addresses, as reported by discovery.
type InterfaceDescriptor struct {
	ConfigNum     int
	InterfaceNum  int
	AltSetting    int
	Class         uint8
	SubClass      uint8
	Protocol      uint8
	BulkInAddr    uint8
	BulkOutAddr   uint8
	InterruptAddr uint8 // 0 if absent
}

// DeviceFingerprint is the quirk-database match key derived from a
// DeviceDescriptor plus the interface the Probe Ladder selected.
type DeviceFingerprint struct {
	VendorID      uint16
	ProductID     uint16
	BCDDevice     uint16
	IfaceClass    uint8
	IfaceSubClass uint8
	IfaceProtocol uint8
	BulkInAddr    uint8
	BulkOutAddr   uint8
	InterruptAddr uint8
	DeviceInfo    string // raw GetDeviceInfo model/manufacturer text, for regex match
}

// StableDeviceIdentity is a domain-scoped UUID plus the
// precedence-ranked identity key built from the strongest signal
// available. Survives reconnects (spec §3, §6).
type StableDeviceIdentity struct {
	DomainID     string // UUID
	IdentityKey  string
	DisplayName  string
	VendorID     uint16
	ProductID    uint16
	USBSerial    string
	MTPSerial    string
	Manufacturer string
	Model        string
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

// FallbackStrategy names an enumeration/read/write strategy selector
// the Quirk Resolver may pick when the preferred path is unsupported.
type FallbackStrategy string

const (
	StrategyDefault             FallbackStrategy = "default"
	StrategyPropListEnumeration FallbackStrategy = "prop-list"
	StrategySingleHandle        FallbackStrategy = "single-handle"
	StrategySerialSingleBuffer  FallbackStrategy = "serial-single-buffer"
)

// PhaseHookPoint names a transition the session evaluates Phase Hooks
// against (spec §4.E).
type PhaseHookPoint string

const (
	HookPostOpenUSB          PhaseHookPoint = "postOpenUSB"
	HookPostClaimInterface   PhaseHookPoint = "postClaimInterface"
	HookPostOpenSession      PhaseHookPoint = "postOpenSession"
	HookBeforeGetDeviceInfo  PhaseHookPoint = "beforeGetDeviceInfo"
	HookBeforeGetStorageIDs  PhaseHookPoint = "beforeGetStorageIDs"
	HookBeforeTransfer       PhaseHookPoint = "beforeTransfer"
	HookAfterTransfer        PhaseHookPoint = "afterTransfer"
	HookOnDeviceBusy         PhaseHookPoint = "onDeviceBusy"
)

// PhaseHook is one declarative action attached to a transition.
type PhaseHook struct {
	Phase       PhaseHookPoint
	DelayMs     int
	BusyBackoff *BusyBackoff
}

// BusyBackoff parameterizes the exponential-with-jitter retry delay
// used on DeviceBusy (spec §4.E): delay(attempt) =
// max(100ms, baseMs·2^min(attempt,10) ± jitter).
type BusyBackoff struct {
	BaseMs  int
	JitterF float64 // fraction of the computed delay, e.g. 0.2
	Retries int
}

// EffectiveTuning (DevicePolicy) is the one record per opened session
// produced by layering the Quirk Resolver's five layers (spec §3/§4.E).
type EffectiveTuning struct {
	MaxChunkBytes        int
	IOTimeoutMs          int
	HandshakeTimeoutMs   int
	InactivityTimeoutMs  int
	OverallDeadlineMs    int
	StabilizeMs          int
	EventPumpDelayMs     int

	PartialRead64              bool
	PartialRead32              bool
	PartialWrite               bool
	PreferPropListEnumeration  bool
	DisableEventPump           bool
	ResetOnOpen                bool
	DisableWriteResume         bool

	EnumerationStrategy FallbackStrategy
	ReadStrategy        FallbackStrategy
	WriteStrategy        FallbackStrategy

	Hooks []PhaseHook
}

// Budget converts this tuning's millisecond fields into a TimeoutBudget
// for the Bulk Transport (spec §4.B).
func (t EffectiveTuning) Budget() TimeoutBudget {
	return TimeoutBudget{
		BulkOutTimeout:      time.Duration(t.IOTimeoutMs) * time.Millisecond,
		BulkInTimeout:       time.Duration(t.IOTimeoutMs) * time.Millisecond,
		ResponseWaitTimeout: time.Duration(t.IOTimeoutMs) * time.Millisecond,
	}
}

// DefaultEffectiveTuning is layer 1, the baseline defaults (spec §4.E
// layer 1), before any probe/learned/quirk/override layering.
func DefaultEffectiveTuning() EffectiveTuning {
	return EffectiveTuning{
		MaxChunkBytes:       DefaultMaxChunkBytes,
		IOTimeoutMs:         int(DefaultIOTimeout / time.Millisecond),
		HandshakeTimeoutMs:  int(DefaultHandshakeTimeout / time.Millisecond),
		InactivityTimeoutMs: int(DefaultInactivityTimeout / time.Millisecond),
		OverallDeadlineMs:   int(DefaultOverallDeadline / time.Millisecond),
		StabilizeMs:         0,
		EventPumpDelayMs:    int(DefaultEventPumpDelay / time.Millisecond),
		EnumerationStrategy: StrategyDefault,
		ReadStrategy:        StrategyDefault,
		WriteStrategy:       StrategyDefault,
	}
}

// StorageInfo describes one logical volume on a device.
// Invariant: FreeBytes <= CapacityBytes.
type StorageInfo struct {
	StorageID       uint32
	Description     string
	CapacityBytes   uint64
	FreeBytes       uint64
	ReadOnly        bool
	FileSystemType  string
}

// ObjectInfo describes one file or folder within a session.
// Invariant: Handle is nonzero and unique within (device, session);
// Parent is either 0 (root) or a directory handle previously observed.
type ObjectInfo struct {
	Handle      uint32
	StorageID   uint32
	Parent      uint32
	Name        string
	SizeBytes   *uint64
	Modified    *time.Time
	FormatCode  uint16
	IsDirectory bool
	Properties  map[uint16]TypedValue
}

// TransferKind distinguishes a journal record's direction.
type TransferKind string

const (
	TransferRead  TransferKind = "read"
	TransferWrite TransferKind = "write"
)

// TransferState is a TransferRecord's lifecycle state.
type TransferState string

const (
	TransferActive TransferState = "active"
	TransferPaused TransferState = "paused"
	TransferFailed TransferState = "failed"
	TransferDone   TransferState = "done"
)

// TransferRecord is one journal row (spec §3/§4.H).
// Invariants: CommittedBytes <= TotalBytes when TotalBytes != nil;
// CommittedBytes is monotonic non-decreasing within a record.
type TransferRecord struct {
	ID              string
	DeviceID        string
	Kind            TransferKind
	Handle          *uint32
	ParentHandle    *uint32
	Name            string
	TotalBytes      *uint64
	CommittedBytes  uint64
	SupportsPartial bool
	LocalTempPath   string
	FinalPath       string
	RemoteHandle    *uint32
	ContentHash     string
	State           TransferState
	ThroughputMBps  *float64
	UpdatedAt       time.Time
}

// InterfaceCandidate is one scored candidate interface considered by
// the Probe Ladder (supplemental to spec §3, mirrors the teacher's
// "show your work" diagnostics style).
type InterfaceCandidate struct {
	Interface   InterfaceDescriptor
	Score       int
	ForcedByQuirk bool
	Attempted   bool
	Succeeded   bool
	Elapsed     time.Duration
	SkipReason  string
	Err         error
}

// InterfaceProbeResult is the Probe Ladder's structured outcome,
// folded into a ProbeReceipt.
type InterfaceProbeResult struct {
	Candidates []InterfaceCandidate
	WinnerIdx  int // -1 if none succeeded
}

// ProbeReceipt is the structured log of a session-open attempt (spec §3/§4.I).
type ProbeReceipt struct {
	Probe         InterfaceProbeResult
	SessionOpened bool
	OpenedAt      time.Time
	Capabilities  ProbedCapabilities
	Tuning        EffectiveTuning
}

// ProbedCapabilities are the capability signals the Quirk Resolver's
// layer 2 folds into EffectiveTuning (spec §4.E).
type ProbedCapabilities struct {
	USBSpeed               string
	OperationsSupported    map[uint16]bool
	ClassifiedSlow         bool
}

// SessionSnapshot is a read-only, point-in-time copy of a Device
// Session's counters, for Diagnostics to read without the transaction
// lock (spec §3 "references upward are read-only snapshots").
type SessionSnapshot struct {
	OpenSince        time.Time
	TransactionsSent int64
	BytesIn          int64
	BytesOut         int64
	Policy           EffectiveTuning
	Closed           bool
}

// TransactionRecord is one row of the Diagnostics ring (spec §4.I).
type TransactionRecord struct {
	Opcode      uint16
	OpcodeLabel string
	TxID        uint32
	BytesIn     int64
	BytesOut    int64
	Duration    time.Duration
	Outcome     string
}

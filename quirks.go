/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Quirk Resolver & Effective Tuning: fingerprint matching and the
 * five-layer tuning merge
 */

package mtpusb

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/mitchellh/mapstructure"
)

// --- JSON quirk-database schema (spec §6) ---

// QuirkIfaceMatch is the optional interface-class criterion of a
// QuirkRule's match object.
type QuirkIfaceMatch struct {
	Class    *uint8 `mapstructure:"class"`
	SubClass *uint8 `mapstructure:"subclass"`
	Protocol *uint8 `mapstructure:"protocol"`
}

// QuirkEndpointsMatch is the optional endpoint-address criterion.
type QuirkEndpointsMatch struct {
	Input  *uint8 `mapstructure:"input"`
	Output *uint8 `mapstructure:"output"`
	Event  *uint8 `mapstructure:"event"`
}

// QuirkMatch is a QuirkRule's fingerprint-matching criteria; every
// present field must match for the rule to apply.
type QuirkMatch struct {
	VID             *uint16              `mapstructure:"vid"`
	PID             *uint16              `mapstructure:"pid"`
	BCDDevice       *uint16              `mapstructure:"bcdDevice"`
	Iface           *QuirkIfaceMatch     `mapstructure:"iface"`
	Endpoints       *QuirkEndpointsMatch `mapstructure:"endpoints"`
	DeviceInfoRegex string               `mapstructure:"deviceInfoRegex"`
}

// QuirkTuning is the subset of EffectiveTuning a rule may override.
type QuirkTuning struct {
	MaxChunkBytes       *int `mapstructure:"maxChunkBytes"`
	IOTimeoutMs         *int `mapstructure:"ioTimeoutMs"`
	HandshakeTimeoutMs  *int `mapstructure:"handshakeTimeoutMs"`
	InactivityTimeoutMs *int `mapstructure:"inactivityTimeoutMs"`
	OverallDeadlineMs   *int `mapstructure:"overallDeadlineMs"`
	StabilizeMs         *int `mapstructure:"stabilizeMs"`
	EventPumpDelayMs    *int `mapstructure:"eventPumpDelayMs"`
}

// QuirkOps is the subset of feature flags a rule may override.
type QuirkOps struct {
	SupportsGetPartialObject64 *bool `mapstructure:"supportsGetPartialObject64"`
	SupportsSendPartialObject  *bool `mapstructure:"supportsSendPartialObject"`
	PreferGetObjectPropList    *bool `mapstructure:"preferGetObjectPropList"`
	DisableWriteResume         *bool `mapstructure:"disableWriteResume"`
}

// QuirkBusyBackoff mirrors BusyBackoff for JSON decoding.
type QuirkBusyBackoff struct {
	BaseMs  int     `mapstructure:"baseMs"`
	JitterF float64 `mapstructure:"jitter"`
	Retries int     `mapstructure:"retries"`
}

// QuirkHook mirrors PhaseHook for JSON decoding.
type QuirkHook struct {
	Phase       string            `mapstructure:"phase"`
	DelayMs     *int              `mapstructure:"delayMs"`
	BusyBackoff *QuirkBusyBackoff `mapstructure:"busyBackoff"`
}

// QuirkRule is one entry of the quirk database (spec §6).
type QuirkRule struct {
	ID         string      `mapstructure:"id"`
	Match      QuirkMatch  `mapstructure:"match"`
	Tuning     QuirkTuning `mapstructure:"tuning"`
	Ops        QuirkOps    `mapstructure:"ops"`
	Hooks      []QuirkHook `mapstructure:"hooks"`
	Confidence string      `mapstructure:"confidence"`
	Status     string      `mapstructure:"status"`

	deviceInfoRe *regexp.Regexp // compiled lazily on load
}

// QuirksDB is the root JSON object (spec §6).
type QuirksDB struct {
	SchemaVersion string      `mapstructure:"schemaVersion"`
	Entries       []QuirkRule `mapstructure:"entries"`
}

// LoadQuirksDB reads and decodes a quirk database file through koanf's
// file provider and JSON parser, then mapstructure-decodes it into a
// QuirksDB — the pattern nasa-jpl-golaborate's andorhttp2 uses for its
// own config (file.Provider + a parser, then a typed decode), adapted
// here from YAML to this schema's mandated JSON.
func LoadQuirksDB(path string) (*QuirksDB, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, err
	}
	var db QuirksDB
	if err := mapstructure.Decode(k.All(), &db); err != nil {
		return nil, err
	}
	for i := range db.Entries {
		if re := db.Entries[i].Match.DeviceInfoRegex; re != "" {
			compiled, err := regexp.Compile(re)
			if err == nil {
				db.Entries[i].deviceInfoRe = compiled
			}
		}
	}
	return &db, nil
}

// LoadQuirksDBDirs loads every *.json file under each of dirs, in
// order, merging them into one QuirksDB. A later directory's rule
// overrides an earlier one sharing the same ID, implementing the
// shipped-defaults/local-overrides precedence of spec §6's quirk
// database layering (the directory order itself implements it; the
// five-layer tuning merge within a single matched rule is
// QuirkResolver.BuildEffectiveTuning's job). Missing directories are
// silently skipped.
func LoadQuirksDBDirs(dirs ...string) (*QuirksDB, error) {
	merged := &QuirksDB{}
	byID := make(map[string]int)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		names := make([]string, 0, len(entries))
		for _, ent := range entries {
			if !ent.IsDir() && filepath.Ext(ent.Name()) == ".json" {
				names = append(names, ent.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			db, err := LoadQuirksDB(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			if merged.SchemaVersion == "" {
				merged.SchemaVersion = db.SchemaVersion
			}
			for _, rule := range db.Entries {
				if i, ok := byID[rule.ID]; ok {
					merged.Entries[i] = rule
				} else {
					byID[rule.ID] = len(merged.Entries)
					merged.Entries = append(merged.Entries, rule)
				}
			}
		}
	}

	return merged, nil
}

// --- Matching (spec §4.E "Matching algorithm") ---

// matchWeight returns the rule's matching weight against fp, or -1 if
// any present criterion fails to match. Criteria are weighted so
// VID+PID carries the most specificity, mirroring the teacher's
// HWIDPattern/GlobMatch weighting split between exact-ID and
// model-name matches.
func (r *QuirkRule) matchWeight(fp DeviceFingerprint) int {
	weight := 0
	m := r.Match

	if m.VID != nil {
		var pid uint16
		if m.PID != nil {
			pid = *m.PID
		}
		w := hwidMatch(*m.VID, pid, m.PID == nil, fp.VendorID, fp.ProductID)
		if w < 0 {
			return -1
		}
		weight += 999 + w // hwidMatch's 1/1000 split rescaled onto this rule's specificity tiers
	} else if m.PID != nil {
		if *m.PID != fp.ProductID {
			return -1
		}
		weight += 1000
	}
	if m.BCDDevice != nil {
		if *m.BCDDevice != fp.BCDDevice {
			return -1
		}
		weight += 200
	}
	if m.Iface != nil {
		if m.Iface.Class != nil && *m.Iface.Class != fp.IfaceClass {
			return -1
		}
		if m.Iface.SubClass != nil && *m.Iface.SubClass != fp.IfaceSubClass {
			return -1
		}
		if m.Iface.Protocol != nil && *m.Iface.Protocol != fp.IfaceProtocol {
			return -1
		}
		weight += 100
	}
	if m.Endpoints != nil {
		if m.Endpoints.Input != nil && *m.Endpoints.Input != fp.BulkInAddr {
			return -1
		}
		if m.Endpoints.Output != nil && *m.Endpoints.Output != fp.BulkOutAddr {
			return -1
		}
		if m.Endpoints.Event != nil && *m.Endpoints.Event != fp.InterruptAddr {
			return -1
		}
		weight += 50
	}
	if r.deviceInfoRe != nil {
		if !r.deviceInfoRe.MatchString(fp.DeviceInfo) {
			return -1
		}
		weight += 2 * len(r.Match.DeviceInfoRegex) // longer/more specific pattern wins ties, like GlobMatch's count
	}
	return weight
}

// BestMatch returns the highest-weight rule matching fp; ties are
// broken by lexical rule id (spec §4.E).
func (db *QuirksDB) BestMatch(fp DeviceFingerprint) (*QuirkRule, bool) {
	var best *QuirkRule
	bestWeight := -1
	for i := range db.Entries {
		r := &db.Entries[i]
		w := r.matchWeight(fp)
		if w < 0 {
			continue
		}
		if best == nil || w > bestWeight || (w == bestWeight && r.ID < best.ID) {
			best = r
			bestWeight = w
		}
	}
	return best, best != nil
}

// --- Learned profiles (spec §4.E layer 3) ---

// LearnedProfile is the statistical profile built from repeated clean
// transfers (spec §4.E, §9 "updated only on clean success").
type LearnedProfile struct {
	Samples            int
	SuccessRate        float64
	OptimalChunkBytes  int
	P95ThroughputMBps  float64
	TypicalHandshakeMs int
}

func (lp *LearnedProfile) trusted() bool {
	return lp != nil && lp.Samples >= LearnedProfileMinSamples && lp.SuccessRate > LearnedProfileSuccessPct
}

// --- ResolveMode (spec §4.E safe/strict bypass) ---

type ResolveMode int

const (
	ResolveModeNormal ResolveMode = iota
	ResolveModeSafe
	ResolveModeStrict
)

// QuirkResolver owns the read-only-after-load quirk database and
// builds EffectiveTuning by layering defaults, probed capabilities,
// learned profiles, static quirks and user overrides (spec §4.E).
type QuirkResolver struct {
	db *QuirksDB
}

// NewQuirkResolver wraps a loaded QuirksDB. A nil db behaves as an
// empty database (layer 4 never contributes).
func NewQuirkResolver(db *QuirksDB) *QuirkResolver {
	if db == nil {
		db = &QuirksDB{}
	}
	return &QuirkResolver{db: db}
}

// BuildEffectiveTuning layers exactly as spec §4.E:
// 1. baseline defaults, 2. probed capabilities, 3. learned profile
// (if trusted), 4. static quirk rule, 5. user overrides. Safe mode
// bypasses layers 2-4 and forces conservative constants; strict mode
// bypasses layers 3-4.
//
// For fixed inputs this is deterministic (spec §8 "Tuning
// determinism"): no clock/random reads, pure layering over its
// arguments.
func (q *QuirkResolver) BuildEffectiveTuning(
	fp DeviceFingerprint,
	probed ProbedCapabilities,
	learned *LearnedProfile,
	overrides *EffectiveTuning,
	mode ResolveMode,
) EffectiveTuning {
	t := DefaultEffectiveTuning()

	if mode == ResolveModeSafe {
		t.MaxChunkBytes = SafeModeChunkBytes
		t.IOTimeoutMs = int(SafeModeIOTimeout / 1e6)
		t.OverallDeadlineMs = int(SafeModeOverallDeadline / 1e6)
		if overrides != nil {
			t = mergeOverrides(t, *overrides)
		}
		return t
	}

	applyProbedCapabilities(&t, probed)

	if mode != ResolveModeStrict && learned.trusted() {
		applyLearnedProfile(&t, learned)
	}

	if mode != ResolveModeStrict {
		if rule, ok := q.db.BestMatch(fp); ok {
			applyQuirkRule(&t, rule)
		}
	}

	if overrides != nil {
		t = mergeOverrides(t, *overrides)
	}
	return t
}

// applyProbedCapabilities is layer 2: adjusts chunk floor by observed
// USB speed, sets partial-read/partial-write flags from
// operationsSupported, bumps timeouts if the device is classified slow.
func applyProbedCapabilities(t *EffectiveTuning, probed ProbedCapabilities) {
	if probed.USBSpeed == "full" || probed.USBSpeed == "low" {
		if t.MaxChunkBytes > MinChunkBytes {
			t.MaxChunkBytes = MinChunkBytes
		}
	}
	const (
		opGetPartialObject64 = 0x95C1
		opSendPartialObject  = 0x9501
	)
	if probed.OperationsSupported[opGetPartialObject64] {
		t.PartialRead64 = true
	}
	if probed.OperationsSupported[opSendPartialObject] {
		t.PartialWrite = true
	}
	if probed.ClassifiedSlow {
		t.IOTimeoutMs *= 3
		t.OverallDeadlineMs *= 2
	}
}

// applyLearnedProfile is layer 3: optimal chunk size, and 3x the
// typical handshake time if that exceeds the current budget.
func applyLearnedProfile(t *EffectiveTuning, lp *LearnedProfile) {
	if lp.OptimalChunkBytes > 0 {
		t.MaxChunkBytes = lp.OptimalChunkBytes
	}
	if handshake3x := lp.TypicalHandshakeMs * 3; handshake3x > t.HandshakeTimeoutMs {
		t.HandshakeTimeoutMs = handshake3x
	}
}

// applyQuirkRule is layer 4: the matched static rule's tuning/ops/hooks.
func applyQuirkRule(t *EffectiveTuning, r *QuirkRule) {
	tn := r.Tuning
	if tn.MaxChunkBytes != nil {
		t.MaxChunkBytes = *tn.MaxChunkBytes
	}
	if tn.IOTimeoutMs != nil {
		t.IOTimeoutMs = *tn.IOTimeoutMs
	}
	if tn.HandshakeTimeoutMs != nil {
		t.HandshakeTimeoutMs = *tn.HandshakeTimeoutMs
	}
	if tn.InactivityTimeoutMs != nil {
		t.InactivityTimeoutMs = *tn.InactivityTimeoutMs
	}
	if tn.OverallDeadlineMs != nil {
		t.OverallDeadlineMs = *tn.OverallDeadlineMs
	}
	if tn.StabilizeMs != nil {
		t.StabilizeMs = *tn.StabilizeMs
	}
	if tn.EventPumpDelayMs != nil {
		t.EventPumpDelayMs = *tn.EventPumpDelayMs
	}

	ops := r.Ops
	if ops.SupportsGetPartialObject64 != nil {
		t.PartialRead64 = *ops.SupportsGetPartialObject64
	}
	if ops.SupportsSendPartialObject != nil {
		t.PartialWrite = *ops.SupportsSendPartialObject
	}
	if ops.PreferGetObjectPropList != nil {
		t.PreferPropListEnumeration = *ops.PreferGetObjectPropList
	}
	if ops.DisableWriteResume != nil {
		t.DisableWriteResume = *ops.DisableWriteResume
	}

	for _, h := range r.Hooks {
		hook := PhaseHook{Phase: PhaseHookPoint(h.Phase)}
		if h.DelayMs != nil {
			hook.DelayMs = *h.DelayMs
		}
		if h.BusyBackoff != nil {
			hook.BusyBackoff = &BusyBackoff{
				BaseMs:  h.BusyBackoff.BaseMs,
				JitterF: h.BusyBackoff.JitterF,
				Retries: h.BusyBackoff.Retries,
			}
		}
		t.Hooks = append(t.Hooks, hook)
	}
}

// mergeOverrides is layer 5: a zero-value field in overrides means
// "unset", so only non-zero fields take effect, matching the
// teacher's prioritizeAndSave convention of later layers only
// replacing what they explicitly specify.
func mergeOverrides(t EffectiveTuning, overrides EffectiveTuning) EffectiveTuning {
	if overrides.MaxChunkBytes != 0 {
		t.MaxChunkBytes = overrides.MaxChunkBytes
	}
	if overrides.IOTimeoutMs != 0 {
		t.IOTimeoutMs = overrides.IOTimeoutMs
	}
	if overrides.HandshakeTimeoutMs != 0 {
		t.HandshakeTimeoutMs = overrides.HandshakeTimeoutMs
	}
	if overrides.InactivityTimeoutMs != 0 {
		t.InactivityTimeoutMs = overrides.InactivityTimeoutMs
	}
	if overrides.OverallDeadlineMs != 0 {
		t.OverallDeadlineMs = overrides.OverallDeadlineMs
	}
	if overrides.ResetOnOpen {
		t.ResetOnOpen = true
	}
	return t
}

// ForcedInterface reports the interface pinned by a VID/PID quirk
// rule's iface criterion, if any (spec §4.D "Known VID/PID override in
// quirk DB pins an interface"). Only rules matching by VID/PID (not by
// deviceInfoRegex alone) are eligible to force-select.
func (q *QuirkResolver) ForcedInterface(desc DeviceDescriptor) (InterfaceDescriptor, bool) {
	rules := make([]*QuirkRule, 0)
	for i := range q.db.Entries {
		r := &q.db.Entries[i]
		if r.Match.VID == nil || r.Match.PID == nil || r.Match.Iface == nil {
			continue
		}
		if hwidMatch(*r.Match.VID, *r.Match.PID, false, desc.VendorID, desc.ProductID) < 0 {
			continue
		}
		if r.Match.BCDDevice != nil && *r.Match.BCDDevice != desc.BCDDevice {
			continue
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return InterfaceDescriptor{}, false
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	rule := rules[0]
	for _, ifd := range desc.Interfaces {
		if rule.Match.Iface.Class != nil && *rule.Match.Iface.Class != ifd.Class {
			continue
		}
		if rule.Match.Iface.SubClass != nil && *rule.Match.Iface.SubClass != ifd.SubClass {
			continue
		}
		if rule.Match.Iface.Protocol != nil && *rule.Match.Iface.Protocol != ifd.Protocol {
			continue
		}
		return ifd, true
	}
	return InterfaceDescriptor{}, false
}

/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for quirk-rule matching and effective-tuning layering
 */

package mtpusb

import (
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func u16(v uint16) *uint16 { return &v }
func u8(v uint8) *uint8    { return &v }
func intp(v int) *int      { return &v }

// TestQuirkMatchPrioritization tests that the most specific rule wins,
// matching the teacher's "more specific wins" expectation for
// overlapping rules.
func TestQuirkMatchPrioritization(t *testing.T) {
	fp := DeviceFingerprint{VendorID: 0x04A9, ProductID: 0x3211, IfaceClass: 0x06}

	db := &QuirksDB{Entries: []QuirkRule{
		{ID: "b-vendor-only", Match: QuirkMatch{VID: u16(0x04A9)}, Tuning: QuirkTuning{MaxChunkBytes: intp(512 << 10)}},
		{ID: "a-vendor-product", Match: QuirkMatch{VID: u16(0x04A9), PID: u16(0x3211)}, Tuning: QuirkTuning{MaxChunkBytes: intp(64 << 10)}},
	}}

	rule, ok := db.BestMatch(fp)
	if !ok {
		t.Fatalf("expected a match")
	}
	if rule.ID != "a-vendor-product" {
		t.Errorf("expected the VID+PID rule to win, got %q", rule.ID)
	}
}

func TestQuirkMatchTieBrokenByLexicalID(t *testing.T) {
	fp := DeviceFingerprint{VendorID: 0x04A9, ProductID: 0x3211}

	db := &QuirksDB{Entries: []QuirkRule{
		{ID: "zeta", Match: QuirkMatch{VID: u16(0x04A9), PID: u16(0x3211)}},
		{ID: "alpha", Match: QuirkMatch{VID: u16(0x04A9), PID: u16(0x3211)}},
	}}

	rule, ok := db.BestMatch(fp)
	if !ok || rule.ID != "alpha" {
		t.Errorf("expected tie to resolve to lexically-first id \"alpha\", got %+v", rule)
	}
}

func TestQuirkMatchNoMatch(t *testing.T) {
	fp := DeviceFingerprint{VendorID: 0x1234, ProductID: 0x5678}
	db := &QuirksDB{Entries: []QuirkRule{
		{ID: "canon", Match: QuirkMatch{VID: u16(0x04A9)}},
	}}
	if _, ok := db.BestMatch(fp); ok {
		t.Errorf("expected no match for an unrelated VID")
	}
}

func TestQuirkMatchDeviceInfoRegex(t *testing.T) {
	rule := QuirkRule{ID: "slow-scanner", Match: QuirkMatch{DeviceInfoRegex: "SlowCam.*"}}
	rule.deviceInfoRe = regexp.MustCompile(rule.Match.DeviceInfoRegex)

	match := rule.matchWeight(DeviceFingerprint{DeviceInfo: "SlowCam Model X"})
	if match < 0 {
		t.Errorf("expected the regex to match")
	}
	noMatch := rule.matchWeight(DeviceFingerprint{DeviceInfo: "FastCam Model Y"})
	if noMatch >= 0 {
		t.Errorf("expected the regex not to match")
	}
}

// TestBuildEffectiveTuningLayers exercises the five-layer merge:
// baseline, probed capabilities, learned profile, quirk rule, user
// overrides, each expected to win over the previous layer for the
// field it touches.
func TestBuildEffectiveTuningLayers(t *testing.T) {
	resolver := NewQuirkResolver(&QuirksDB{Entries: []QuirkRule{
		{ID: "only-rule", Match: QuirkMatch{VID: u16(0x04A9), PID: u16(0x3211)},
			Tuning: QuirkTuning{MaxChunkBytes: intp(32 << 10)}},
	}})
	fp := DeviceFingerprint{VendorID: 0x04A9, ProductID: 0x3211}

	t1 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, nil, nil, ResolveModeNormal)
	if t1.MaxChunkBytes != 32<<10 {
		t.Errorf("expected the quirk rule's chunk size to win, got %d", t1.MaxChunkBytes)
	}

	overrides := &EffectiveTuning{MaxChunkBytes: 4 << 10}
	t2 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, nil, overrides, ResolveModeNormal)
	if t2.MaxChunkBytes != 4<<10 {
		t.Errorf("expected the user override to win over the quirk rule, got %d", t2.MaxChunkBytes)
	}

	t3 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, nil, nil, ResolveModeStrict)
	if t3.MaxChunkBytes != DefaultMaxChunkBytes {
		t.Errorf("expected strict mode to skip the quirk rule, got %d", t3.MaxChunkBytes)
	}

	t4 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, nil, nil, ResolveModeSafe)
	if t4.MaxChunkBytes != SafeModeChunkBytes {
		t.Errorf("expected safe mode to force the conservative chunk size, got %d", t4.MaxChunkBytes)
	}
}

// BuildEffectiveTuning must be deterministic: the same inputs, merged
// through the same five layers, must produce an identical
// EffectiveTuning every time. cmp.Diff gives a readable field-by-field
// breakdown instead of a single reflect.DeepEqual-shaped t.Errorf(%+v)
// pair, which is unreadable once Hooks/strategy fields are involved.
func TestBuildEffectiveTuningDeterministic(t *testing.T) {
	resolver := NewQuirkResolver(&QuirksDB{Entries: []QuirkRule{
		{ID: "only-rule", Match: QuirkMatch{VID: u16(0x04A9), PID: u16(0x3211)},
			Tuning: QuirkTuning{MaxChunkBytes: intp(32 << 10)}},
	}})
	fp := DeviceFingerprint{VendorID: 0x04A9, ProductID: 0x3211}
	profile := &LearnedProfile{Samples: LearnedProfileMinSamples, SuccessRate: LearnedProfileSuccessPct + 0.01, OptimalChunkBytes: 48 << 10}

	first := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, profile, nil, ResolveModeNormal)
	second := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, profile, nil, ResolveModeNormal)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("BuildEffectiveTuning is not deterministic (-first +second):\n%s", diff)
	}
}

func TestBuildEffectiveTuningLearnedProfileGating(t *testing.T) {
	resolver := NewQuirkResolver(nil)
	fp := DeviceFingerprint{}

	untrusted := &LearnedProfile{Samples: 1, SuccessRate: 0.99, OptimalChunkBytes: 7 << 10}
	t1 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, untrusted, nil, ResolveModeNormal)
	if t1.MaxChunkBytes == 7<<10 {
		t.Errorf("expected an untrusted (too few samples) learned profile to be ignored")
	}

	trusted := &LearnedProfile{Samples: LearnedProfileMinSamples, SuccessRate: LearnedProfileSuccessPct + 0.01, OptimalChunkBytes: 7 << 10}
	t2 := resolver.BuildEffectiveTuning(fp, ProbedCapabilities{}, trusted, nil, ResolveModeNormal)
	if t2.MaxChunkBytes != 7<<10 {
		t.Errorf("expected a trusted learned profile's chunk size to apply, got %d", t2.MaxChunkBytes)
	}
}

func TestForcedInterface(t *testing.T) {
	resolver := NewQuirkResolver(&QuirksDB{Entries: []QuirkRule{
		{ID: "pin-iface", Match: QuirkMatch{
			VID: u16(0x04A9), PID: u16(0x3211),
			Iface: &QuirkIfaceMatch{Class: u8(0xFF)},
		}},
	}})

	desc := DeviceDescriptor{
		VendorID: 0x04A9, ProductID: 0x3211,
		Interfaces: []InterfaceDescriptor{
			{InterfaceNum: 0, Class: 0x06},
			{InterfaceNum: 1, Class: 0xFF},
		},
	}

	ifd, ok := resolver.ForcedInterface(desc)
	if !ok {
		t.Fatalf("expected a forced interface")
	}
	if ifd.InterfaceNum != 1 {
		t.Errorf("expected interface 1 (class 0xFF) to be forced, got %d", ifd.InterfaceNum)
	}

	if _, ok := resolver.ForcedInterface(DeviceDescriptor{VendorID: 0x1111, ProductID: 0x2222}); ok {
		t.Errorf("expected no forced interface for an unrelated device")
	}
}

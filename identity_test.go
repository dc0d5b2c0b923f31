/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for the stable device identity store
 */

package mtpusb

import (
	"testing"
)

// Same signals resolved twice must yield the same domain id.
func TestResolveIdentityStable(t *testing.T) {
	store, err := OpenIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}

	signals := IdentitySignals{VendorID: 0x04e8, ProductID: 0x6860, USBSerial: "SERIAL123"}

	first, err := store.ResolveIdentity(signals)
	if err != nil {
		t.Fatalf("ResolveIdentity: %s", err)
	}
	second, err := store.ResolveIdentity(signals)
	if err != nil {
		t.Fatalf("ResolveIdentity (again): %s", err)
	}

	if first.DomainID != second.DomainID {
		t.Errorf("expected stable domain id, got %s then %s", first.DomainID, second.DomainID)
	}
	if second.IdentityKey != "usb:SERIAL123" {
		t.Errorf("expected identity key usb:SERIAL123, got %s", second.IdentityKey)
	}
}

// A device first seen without a serial, then later seen with an MTP
// serial, must upgrade in place rather than create a second identity.
func TestResolveIdentityUpgradesInPlace(t *testing.T) {
	store, err := OpenIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}

	weak := IdentitySignals{VendorID: 0x04e8, ProductID: 0x6860, Model: "Galaxy"}
	first, err := store.ResolveIdentity(weak)
	if err != nil {
		t.Fatalf("ResolveIdentity (weak): %s", err)
	}

	strong := IdentitySignals{VendorID: 0x04e8, ProductID: 0x6860, Model: "Galaxy", MTPSerial: "MTPSN01"}
	second, err := store.ResolveIdentity(strong)
	if err != nil {
		t.Fatalf("ResolveIdentity (strong): %s", err)
	}

	if first.DomainID != second.DomainID {
		t.Errorf("expected upgrade to preserve domain id %s, got %s", first.DomainID, second.DomainID)
	}
	if second.IdentityKey != "mtp:MTPSN01" {
		t.Errorf("expected upgraded identity key mtp:MTPSN01, got %s", second.IdentityKey)
	}

	if len(store.AllIdentities()) != 1 {
		t.Errorf("expected exactly one identity to remain after upgrade, got %d", len(store.AllIdentities()))
	}
}

// A store reopened from disk must recognize a previously-resolved
// identity by its identity key.
func TestIdentityStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenIdentityStore(dir)
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}
	signals := IdentitySignals{VendorID: 0x04e8, ProductID: 0x6860, USBSerial: "SERIAL123"}
	first, err := store.ResolveIdentity(signals)
	if err != nil {
		t.Fatalf("ResolveIdentity: %s", err)
	}

	reopened, err := OpenIdentityStore(dir)
	if err != nil {
		t.Fatalf("reopen OpenIdentityStore: %s", err)
	}
	second, err := reopened.ResolveIdentity(signals)
	if err != nil {
		t.Fatalf("ResolveIdentity after reopen: %s", err)
	}

	if first.DomainID != second.DomainID {
		t.Errorf("expected domain id to survive reopen, got %s then %s", first.DomainID, second.DomainID)
	}
}

// UpdateMtpSerial upgrades an identity looked up by domain id, even
// when it was originally resolved by a weaker signal.
func TestUpdateMtpSerial(t *testing.T) {
	store, err := OpenIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}

	ident, err := store.ResolveIdentity(IdentitySignals{VendorID: 0x04e8, ProductID: 0x6860, Model: "Galaxy"})
	if err != nil {
		t.Fatalf("ResolveIdentity: %s", err)
	}

	if err := store.UpdateMtpSerial(ident.DomainID, "MTPSN02"); err != nil {
		t.Fatalf("UpdateMtpSerial: %s", err)
	}

	all := store.AllIdentities()
	if len(all) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(all))
	}
	if all[0].IdentityKey != "mtp:MTPSN02" {
		t.Errorf("expected identity key mtp:MTPSN02, got %s", all[0].IdentityKey)
	}
}

// RemoveIdentity deletes both the in-memory entry and its on-disk
// file.
func TestRemoveIdentity(t *testing.T) {
	store, err := OpenIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenIdentityStore: %s", err)
	}

	ident, err := store.ResolveIdentity(IdentitySignals{VendorID: 1, ProductID: 2, USBSerial: "X"})
	if err != nil {
		t.Fatalf("ResolveIdentity: %s", err)
	}

	if err := store.RemoveIdentity(ident.DomainID); err != nil {
		t.Fatalf("RemoveIdentity: %s", err)
	}
	if len(store.AllIdentities()) != 0 {
		t.Errorf("expected no identities after removal")
	}
}

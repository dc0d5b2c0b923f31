/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Tests for the transfer journal
 */

package mtpusb

import (
	"testing"
)

// Test that a download record survives a simulated restart (close,
// reopen, Resumables still lists it as active).
func TestJournalResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %s", err)
	}

	id, err := j.BeginRead("dev-1", 0x1001, "photo.jpg", 4096, true, "/tmp/dev-1.tmp", "/home/user/photo.jpg")
	if err != nil {
		t.Fatalf("BeginRead: %s", err)
	}

	if err := j.UpdateProgress(id, 2048); err != nil {
		t.Fatalf("UpdateProgress: %s", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	j2, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("reopen OpenJournal: %s", err)
	}
	defer j2.Close()

	recs, err := j2.Resumables("dev-1")
	if err != nil {
		t.Fatalf("Resumables: %s", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 resumable record, got %d", len(recs))
	}
	if recs[0].ID != id {
		t.Errorf("expected id %s, got %s", id, recs[0].ID)
	}
	if recs[0].CommittedBytes != 2048 {
		t.Errorf("expected committed bytes 2048, got %d", recs[0].CommittedBytes)
	}
	if recs[0].State != TransferActive {
		t.Errorf("expected state active, got %s", recs[0].State)
	}
}

// UpdateProgress must never move CommittedBytes backwards.
func TestJournalProgressMonotonic(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %s", err)
	}
	defer j.Close()

	id, err := j.BeginRead("dev-1", 0x1001, "photo.jpg", 4096, true, "/tmp/dev-1.tmp", "/home/user/photo.jpg")
	if err != nil {
		t.Fatalf("BeginRead: %s", err)
	}

	if err := j.UpdateProgress(id, 2048); err != nil {
		t.Fatalf("UpdateProgress: %s", err)
	}
	if err := j.UpdateProgress(id, 1024); err != nil {
		t.Fatalf("UpdateProgress (decrease): %s", err)
	}

	recs, err := j.Resumables("dev-1")
	if err != nil {
		t.Fatalf("Resumables: %s", err)
	}
	if len(recs) != 1 || recs[0].CommittedBytes != 2048 {
		t.Fatalf("expected committed bytes to stay at 2048, got %+v", recs)
	}
}

// Complete removes a record from the resumable set but Fail keeps it
// resumable (spec: failures never delete data).
func TestJournalCompleteAndFail(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %s", err)
	}
	defer j.Close()

	doneID, err := j.BeginWrite("dev-1", 0, "note.txt", 10, false, "/tmp/a.tmp", "/home/user/note.txt")
	if err != nil {
		t.Fatalf("BeginWrite: %s", err)
	}
	if err := j.Complete(doneID); err != nil {
		t.Fatalf("Complete: %s", err)
	}

	failID, err := j.BeginWrite("dev-1", 0, "other.txt", 10, false, "/tmp/b.tmp", "/home/user/other.txt")
	if err != nil {
		t.Fatalf("BeginWrite: %s", err)
	}
	if err := j.Fail(failID, nil); err != nil {
		t.Fatalf("Fail: %s", err)
	}

	recs, err := j.Resumables("dev-1")
	if err != nil {
		t.Fatalf("Resumables: %s", err)
	}
	if len(recs) != 1 || recs[0].ID != failID {
		t.Fatalf("expected only the failed record to remain resumable, got %+v", recs)
	}
}

// Resumables must only return a device's own records (per-device
// isolation).
func TestJournalPerDeviceIsolation(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %s", err)
	}
	defer j.Close()

	if _, err := j.BeginRead("dev-1", 1, "a.jpg", 10, false, "/tmp/a", "/tmp/a.out"); err != nil {
		t.Fatalf("BeginRead dev-1: %s", err)
	}
	if _, err := j.BeginRead("dev-2", 1, "b.jpg", 10, false, "/tmp/b", "/tmp/b.out"); err != nil {
		t.Fatalf("BeginRead dev-2: %s", err)
	}

	recs, err := j.Resumables("dev-1")
	if err != nil {
		t.Fatalf("Resumables: %s", err)
	}
	if len(recs) != 1 || recs[0].DeviceID != "dev-1" {
		t.Fatalf("expected only dev-1's record, got %+v", recs)
	}
}

// ClearStaleTemps must not touch a record that is still active or
// failed, regardless of age.
func TestJournalClearStaleTempsSkipsResumable(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %s", err)
	}
	defer j.Close()

	id, err := j.BeginRead("dev-1", 1, "a.jpg", 10, false, "/tmp/a", "/tmp/a.out")
	if err != nil {
		t.Fatalf("BeginRead: %s", err)
	}

	if err := j.ClearStaleTemps(0); err != nil {
		t.Fatalf("ClearStaleTemps: %s", err)
	}

	recs, err := j.Resumables("dev-1")
	if err != nil {
		t.Fatalf("Resumables: %s", err)
	}
	if len(recs) != 1 || recs[0].ID != id {
		t.Fatalf("expected active record to survive ClearStaleTemps, got %+v", recs)
	}
}

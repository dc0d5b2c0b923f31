/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * Transfer Journal: durable, resumable, per-device-isolated record of
 * in-flight object transfers
 */

package mtpusb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal is a durable, append-only, per-device store of
// TransferRecord rows (spec §4.H). One file per device under
// PathJournalDir, single-writer-locked with FileLock, generalizing
// devstate.go's per-device state file from one fixed record to a log
// of records replayed at load.
type Journal struct {
	dir string

	mu       sync.Mutex
	records  map[string]*TransferRecord // id -> latest state
	files    map[string]*os.File        // deviceID -> open append handle
	deviceOf map[string]string          // id -> deviceID, for routing appends
}

// OpenJournal opens (creating if absent) the journal rooted at dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	j := &Journal{
		dir:      dir,
		records:  make(map[string]*TransferRecord),
		files:    make(map[string]*os.File),
		deviceOf: make(map[string]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".journal" {
			continue
		}
		if err := j.replay(filepath.Join(dir, ent.Name())); err != nil {
			return nil, fmt.Errorf("journal: replaying %s: %w", ent.Name(), err)
		}
	}
	return j, nil
}

// replay reloads a device's append log, keeping the last-written
// state per transfer id (the log is compacted lazily by rewrite, not
// here).
func (j *Journal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec TransferRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // tolerate a torn trailing line from a crash
		}
		cp := rec
		j.records[rec.ID] = &cp
		j.deviceOf[rec.ID] = rec.DeviceID
	}
	return scanner.Err()
}

func (j *Journal) devicePath(deviceID string) string {
	return filepath.Join(j.dir, deviceID+".journal")
}

// appendLocked serializes rec as one JSON line to its device's append
// log, under an exclusive flock so a concurrently-running second
// process can't interleave writes (spec §5 "single-writer,
// multi-reader with write-ahead semantics"). Caller holds j.mu.
func (j *Journal) appendLocked(rec *TransferRecord) error {
	f := j.files[rec.DeviceID]
	if f == nil {
		var err error
		f, err = os.OpenFile(j.devicePath(rec.DeviceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		j.files[rec.DeviceID] = f
	}
	if err := FileLock(f, true, true); err != nil {
		return err
	}
	defer FileUnlock(f)

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// BeginRead registers a new download (spec §4.H `beginRead`).
func (j *Journal) BeginRead(deviceID string, handle uint32, name string, size uint64, supportsPartial bool, tempPath, finalPath string) (string, error) {
	rec := &TransferRecord{
		ID:              generateUUIDv4(),
		DeviceID:        deviceID,
		Kind:            TransferRead,
		Handle:          &handle,
		Name:            name,
		TotalBytes:      &size,
		SupportsPartial: supportsPartial,
		LocalTempPath:   tempPath,
		FinalPath:       finalPath,
		State:           TransferActive,
		UpdatedAt:       time.Now(),
	}
	return rec.ID, j.put(rec)
}

// BeginWrite registers a new upload (spec §4.H `beginWrite`).
func (j *Journal) BeginWrite(deviceID string, parent uint32, name string, size uint64, supportsPartial bool, tempPath, sourcePath string) (string, error) {
	rec := &TransferRecord{
		ID:              generateUUIDv4(),
		DeviceID:        deviceID,
		Kind:            TransferWrite,
		ParentHandle:    &parent,
		Name:            name,
		TotalBytes:      &size,
		SupportsPartial: supportsPartial,
		LocalTempPath:   tempPath,
		FinalPath:       sourcePath,
		State:           TransferActive,
		UpdatedAt:       time.Now(),
	}
	return rec.ID, j.put(rec)
}

func (j *Journal) put(rec *TransferRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = rec
	j.deviceOf[rec.ID] = rec.DeviceID
	return j.appendLocked(rec)
}

// UpdateProgress advances a record's committed-bytes watermark.
// Idempotent: a decrease is silently ignored (spec §4.H invariant ii).
func (j *Journal) UpdateProgress(id string, committed uint64) error {
	return j.mutate(id, func(rec *TransferRecord) {
		if committed > rec.CommittedBytes {
			rec.CommittedBytes = committed
		}
	})
}

// RecordRemoteHandle annotates a completed upload with the handle the
// device assigned it.
func (j *Journal) RecordRemoteHandle(id string, handle uint32) error {
	return j.mutate(id, func(rec *TransferRecord) { rec.RemoteHandle = &handle })
}

// AddContentHash annotates a record with its verified content hash.
func (j *Journal) AddContentHash(id string, hash string) error {
	return j.mutate(id, func(rec *TransferRecord) { rec.ContentHash = hash })
}

// RecordThroughput annotates a record with its observed throughput.
func (j *Journal) RecordThroughput(id string, mbps float64) error {
	return j.mutate(id, func(rec *TransferRecord) { rec.ThroughputMBps = &mbps })
}

// Fail marks a record failed; it remains resumable (spec §4.H `fail`
// "never deletes data"). cause is not part of TransferRecord's schema
// (spec §3) and is left to the caller's own diagnostics/logging.
func (j *Journal) Fail(id string, cause error) error {
	return j.mutate(id, func(rec *TransferRecord) {
		rec.State = TransferFailed
	})
}

// Complete marks a record done; it is no longer returned by
// Resumables (spec §4.H `complete`).
func (j *Journal) Complete(id string) error {
	return j.mutate(id, func(rec *TransferRecord) { rec.State = TransferDone })
}

func (j *Journal) mutate(id string, fn func(*TransferRecord)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[id]
	if !ok {
		return fmt.Errorf("journal: unknown transfer id %q", id)
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	return j.appendLocked(rec)
}

// Resumables returns deviceID's records in the active or failed state
// (spec §4.H `resumables`, invariant i: per-device isolation).
func (j *Journal) Resumables(deviceID string) ([]TransferRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []TransferRecord
	for _, rec := range j.records {
		if rec.DeviceID != deviceID {
			continue
		}
		if rec.State == TransferActive || rec.State == TransferFailed {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ClearStaleTemps deletes orphaned temp files older than olderThan and
// purges their journal records, provided they are not referenced by a
// still-active or still-failed (resumable) record (spec §4.H
// `clearStaleTemps`).
func (j *Journal) ClearStaleTemps(olderThan time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	for id, rec := range j.records {
		if rec.State == TransferActive || rec.State == TransferFailed {
			continue
		}
		if rec.LocalTempPath == "" || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(rec.LocalTempPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(j.records, id)
		delete(j.deviceOf, id)
	}
	return j.compactLocked()
}

// compactLocked rewrites every device's journal file from the
// in-memory index, collapsing the append log back down to one line
// per surviving record. Caller holds j.mu.
func (j *Journal) compactLocked() error {
	byDevice := make(map[string][]*TransferRecord)
	for _, rec := range j.records {
		byDevice[rec.DeviceID] = append(byDevice[rec.DeviceID], rec)
	}

	for deviceID, recs := range byDevice {
		path := j.devicePath(deviceID)
		tmp := path + ".tmp"

		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		for _, rec := range recs {
			line, err := json.Marshal(rec)
			if err != nil {
				f.Close()
				return err
			}
			w.Write(line)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		f.Close()

		if old := j.files[deviceID]; old != nil {
			old.Close()
			delete(j.files, deviceID)
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the journal's open append handles.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for id, f := range j.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(j.files, id)
	}
	return first
}

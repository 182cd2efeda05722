package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"marchive/internal/domain"
)

// maxLine bounds a single JSONL line during recovery scans.
const maxLine = 4 << 20

// Writer appends archive records to a JSONL file, one record per line.
// Opening an existing file recovers the set of event ids already written, so
// appends are idempotent across runs. Not safe for concurrent use.
type Writer struct {
	f     *os.File
	seen  map[domain.EventID]struct{}
	count int
}

// OpenWriter opens (or creates) the archive file at path and scans it for
// already-archived event ids.
func OpenWriter(path string) (*Writer, error) {
	seen, count, err := scanRecords(path)
	if err != nil {
		return nil, fmt.Errorf("recover archive %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &Writer{f: f, seen: seen, count: count}, nil
}

// Seen reports whether the event is already in the archive.
func (w *Writer) Seen(id domain.EventID) bool {
	_, ok := w.seen[id]
	return ok
}

// Append writes one record. Records whose event id is already present are
// silently skipped.
func (w *Writer) Append(rec domain.ArchiveRecord) error {
	if w.Seen(rec.EventID) {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.EventID, err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append record %s: %w", rec.EventID, err)
	}
	w.seen[rec.EventID] = struct{}{}
	w.count++
	return nil
}

// Sync flushes appended records to stable storage.
func (w *Writer) Sync() error { return w.f.Sync() }

// Count returns the number of records in the archive, recovered plus appended.
func (w *Writer) Count() int { return w.count }

// Close syncs and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// scanRecords collects event ids from an existing archive file. A torn final
// line (crash mid-write) is tolerated and will be rewritten on resume.
func scanRecords(path string) (map[domain.EventID]struct{}, int, error) {
	seen := make(map[domain.EventID]struct{})
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return seen, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		var rec domain.ArchiveRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.EventID != "" {
			seen[rec.EventID] = struct{}{}
			count++
		}
	}
	return seen, count, sc.Err()
}

package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"marchive/internal/domain"
)

const (
	lineRecord     = "record"
	lineCheckpoint = "checkpoint"
	lineDone       = "done"
)

// journalLine is one entry in the staging journal: either a staged record or
// a resume-cursor checkpoint.
type journalLine struct {
	Type   string                `json:"type"`
	Cursor domain.Cursor         `json:"cursor,omitempty"`
	Record *domain.ArchiveRecord `json:"record,omitempty"`
}

// Journal stages records newest-first while a walk is in progress. Records
// become durable at each Checkpoint; Finalize reverses the whole journal into
// the archive writer. Not safe for concurrent use.
type Journal struct {
	path   string
	f      *os.File
	seen   map[domain.EventID]struct{}
	cursor domain.Cursor
	count  int
	done   bool
}

// OpenJournal opens (or creates) the journal at path and recovers the staged
// event ids and the last checkpointed cursor from an interrupted run.
func OpenJournal(path string) (*Journal, error) {
	j := &Journal{path: path, seen: make(map[domain.EventID]struct{})}
	if err := j.recover(); err != nil {
		return nil, fmt.Errorf("recover journal %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j.f = f
	return j, nil
}

// Seen reports whether the event is already staged.
func (j *Journal) Seen(id domain.EventID) bool {
	_, ok := j.seen[id]
	return ok
}

// Cursor returns the last checkpointed resume cursor; empty for a fresh
// journal.
func (j *Journal) Cursor() domain.Cursor { return j.cursor }

// Len returns the number of staged records.
func (j *Journal) Len() int { return j.count }

// Done reports whether the walk behind this journal ran to the start of the
// room's history. Staged records without the terminal marker mean the walk
// was interrupted, possibly before its first checkpoint.
func (j *Journal) Done() bool { return j.done }

// Append stages one record. Records staged earlier in this or a previous run
// are skipped.
func (j *Journal) Append(rec domain.ArchiveRecord) error {
	if j.Seen(rec.EventID) {
		return nil
	}
	if err := j.write(journalLine{Type: lineRecord, Record: &rec}); err != nil {
		return err
	}
	j.seen[rec.EventID] = struct{}{}
	j.count++
	return nil
}

// Checkpoint records the cursor to resume from and makes everything staged so
// far durable.
func (j *Journal) Checkpoint(cursor domain.Cursor) error {
	if err := j.write(journalLine{Type: lineCheckpoint, Cursor: cursor}); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.cursor = cursor
	return nil
}

// MarkDone records durably that the walk reached the start of history, so a
// crash between here and Finalize never replays or reorders anything.
func (j *Journal) MarkDone() error {
	if err := j.write(journalLine{Type: lineDone}); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.done = true
	return nil
}

// Finalize replays the staged records oldest-first into the writer, syncs it
// and removes the journal file. The journal is closed afterwards.
func (j *Journal) Finalize(w *Writer) error {
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	j.f = nil

	records, err := j.readRecords()
	if err != nil {
		return err
	}
	// Staged order is newest-first; the archive reads oldest-first.
	for i := len(records) - 1; i >= 0; i-- {
		if err := w.Append(records[i]); err != nil {
			return err
		}
	}
	if err := w.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := os.Remove(j.path); err != nil {
		return fmt.Errorf("remove journal: %w", err)
	}
	j.seen = make(map[domain.EventID]struct{})
	j.cursor = ""
	j.count = 0
	j.done = false
	return nil
}

// Close closes the journal file without finalizing; staged entries remain on
// disk for the next run.
func (j *Journal) Close() error {
	if j.f == nil {
		return nil
	}
	return j.f.Close()
}

func (j *Journal) write(line journalLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.f.Write(b); err != nil {
		return fmt.Errorf("append journal line: %w", err)
	}
	return nil
}

func (j *Journal) recover() error {
	return j.scan(func(line journalLine) {
		switch line.Type {
		case lineRecord:
			if line.Record != nil {
				j.seen[line.Record.EventID] = struct{}{}
				j.count++
			}
		case lineCheckpoint:
			j.cursor = line.Cursor
		case lineDone:
			j.done = true
		}
	})
}

func (j *Journal) readRecords() ([]domain.ArchiveRecord, error) {
	var records []domain.ArchiveRecord
	err := j.scan(func(line journalLine) {
		if line.Type == lineRecord && line.Record != nil {
			records = append(records, *line.Record)
		}
	})
	return records, err
}

// scan walks the journal file line by line. A torn final line from a crash
// mid-append is skipped; everything before the last checkpoint was fsynced.
func (j *Journal) scan(fn func(journalLine)) error {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		var line journalLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

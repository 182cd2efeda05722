// Package store persists the archive: an append-only JSONL log of records in
// chronological order, plus a staging journal for in-flight runs.
//
// Backward pagination produces records newest-first, but the archive file
// must read oldest-first. Records are therefore staged in the journal as they
// arrive, with a resume cursor checkpointed after every durable batch; when
// the walk completes, the journal is reversed into the archive in one pass
// and removed. A crash at any point leaves either a resumable journal or a
// finished archive, and replaying events that are already present is a no-op.
package store

// Package archive orchestrates the full pipeline for one room: paginate
// backward from the present, decrypt, normalize, resolve media, stage to the
// journal with checkpoints, then finalize into the chronological archive.
//
// Runs are idempotent and resumable. Events already present in the archive or
// the journal are skipped, and an interrupted walk restarts from the last
// checkpointed cursor instead of the present.
package archive

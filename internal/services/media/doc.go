// Package media downloads room attachments into the archive directory.
//
// Files are content-addressed: the blob's SHA-256 (of the stored ciphertext
// for encrypted attachments) names the file, so re-running an archive never
// duplicates a download and a blob already on disk is never fetched again.
// Writes go through a temp file and a rename, and each file's mtime is set
// to its event's timestamp.
package media

// Package keystore imports exported room keys and serves megolm sessions to
// the decryptor.
//
// The exported-room-keys file is an armored, passphrase-encrypted bundle
// (PBKDF2-SHA512 into AES-256-CTR with an HMAC-SHA256 trailer) containing a
// JSON array of per-session records. Records are imported independently: a
// malformed record is logged and skipped, never aborting the import. A wrong
// passphrase (HMAC mismatch) and a corrupt bundle (bad version byte) are
// distinct error kinds.
//
// After loading, the store is read-only and indexes sessions by
// (room id, session id) for O(1) lookup.
package keystore

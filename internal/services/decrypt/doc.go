// Package decrypt recovers plaintext payloads from raw timeline events.
//
// Plaintext events pass through untouched. Encrypted events are matched to a
// megolm session from the key ring by (room id, session id); a missing
// session, a bad MAC or an out-of-range ratchet index are recorded as
// per-event failures rather than errors, and the pipeline turns them into
// placeholder records so the archive still shows that a message existed.
package decrypt

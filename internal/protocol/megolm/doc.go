// Package megolm implements the megolm group-message ratchet and packet
// format used for encrypted room history.
//
// Contents
//
//   - Ratchet: the four-part HMAC-SHA256 ratchet with a guarded,
//     forward-only Advance
//   - Inbound: a decrypt-only session built from an exported session key
//   - Outbound: an encrypt-capable session, used to produce packets that
//     Inbound can open (and to build test fixtures)
//   - ParseSessionKey / Inbound.SessionKey: the session export format
//
// # Notes
//
// Message keys are derived per index with HKDF-SHA256 and open an
// AES-256-CBC payload authenticated by a truncated HMAC and an Ed25519
// signature. A session's ratchet can be advanced to any index at or after
// its first known index, never before.
package megolm

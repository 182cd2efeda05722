// Package normalize flattens decrypted payloads into archive records.
//
// Every payload maps to exactly one record. Message events split into text
// and media kinds by msgtype; edits, reactions, redactions and membership
// changes become their own record kinds pointing at the event they act on.
// Types the pipeline does not understand are preserved verbatim under the
// unknown kind, and decryption failures become placeholder records so the
// archive keeps a complete timeline.
package normalize

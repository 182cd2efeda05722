package domain

// RoomID identifies a room on the federation, e.g. "!abc:example.org".
type RoomID string

// String returns the string form of the room id.
func (r RoomID) String() string { return string(r) }

// EventID uniquely identifies an event, e.g. "$xyz". It is the archive's
// deduplication key.
type EventID string

// String returns the string form of the event id.
func (e EventID) String() string { return string(e) }

// UserID is a fully qualified user identifier, e.g. "@user:example.org".
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// SessionID identifies a megolm session within a room.
type SessionID string

// String returns the string form of the session id.
func (s SessionID) String() string { return string(s) }

// Cursor is an opaque pagination token marking a position in a room timeline.
// The empty cursor means "no further history".
type Cursor string

// String returns the string form of the cursor.
func (c Cursor) String() string { return string(c) }

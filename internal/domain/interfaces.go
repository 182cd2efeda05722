package domain

import "context"

// RoomMember is the directory entry for a user currently joined to a room.
type RoomMember struct {
	DisplayName string
	AvatarURL   string // mxc:// URI, may be empty
}

// Homeserver is the session-bootstrap collaborator: an authenticated client
// for the messaging server. All calls block on the network and honour ctx;
// retry policy is layered on top by the pagination engine.
type Homeserver interface {
	// PrevBatch returns the cursor from which backward pagination of the
	// room should start (the present).
	PrevBatch(ctx context.Context, room RoomID) (Cursor, error)

	// Messages fetches the next older batch of timeline events starting at
	// the given cursor.
	Messages(ctx context.Context, room RoomID, from Cursor, limit int) (Batch, error)

	// Download fetches the raw bytes behind an mxc:// URI.
	Download(ctx context.Context, mxcURL string) ([]byte, error)

	// JoinedRooms lists the rooms the logged-in user has joined.
	JoinedRooms(ctx context.Context) ([]RoomID, error)

	// RoomName resolves a room's display name; empty when the room has none.
	RoomName(ctx context.Context, room RoomID) (string, error)

	// JoinedMembers returns the current membership directory of a room.
	JoinedMembers(ctx context.Context, room RoomID) (map[UserID]RoomMember, error)
}

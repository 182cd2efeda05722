// Package homeserver is the client-server API client for the federated
// messaging server.
//
// It covers exactly the surface the archive pipeline needs: password login,
// a minimal sync to obtain a room's pagination start cursor, backward
// /messages pagination, media download, and room directory lookups. Rate
// limit responses are surfaced as *RateLimitError carrying the
// server-provided delay; retry policy is the pagination engine's job.
package homeserver

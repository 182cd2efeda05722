// Package paginate drives backward traversal of a room timeline.
//
// Each step requests the next older batch using the previous response's end
// cursor and stops at the start of the room's history. Transient failures
// (rate limits, 5xx, timeouts) are retried with capped exponential backoff,
// honouring any server-provided retry delay; an exhausted retry budget is a
// fatal error, never a silent stop, since stopping early would leave the
// archive silently incomplete.
package paginate

// Package chat hosts the per-participant session orchestrator. A Session
// resolves its conversation through the lifecycle service, keeps the agent
// binding through the roster, replays history from the store, and merges
// message, status, and typing signals into one ordered event stream.
//
// Messages are delivered at least once and de-duplicated by ID before they
// reach the stream. Typing signals are best effort and may be dropped or
// arrive late; they carry no ordering relative to messages.
package chat

// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into three interfaces, one per
// consumer:
//
//   - ConversationStore: the open ordering dialogue per (customer, store)
//   - WorkflowStore: orders, their stage history and sent-alert markers
//   - TaskStore: deferred tasks backing the alert scheduler
//
// Store composes all three. SQLiteStore implements it in a single struct and
// MockStore provides an in-memory implementation for tests.
//
// # Data Models
//
//   - Conversation: flow, cart and checkout details, stored as a JSON state
//     column next to the indexed identity and activity columns
//   - Order: frozen cart items, delivery and payment details, the current
//     stage and its history. Orders are never deleted.
//   - Task: a kind, a JSON payload and the time it becomes due
//
// SQLiteStore also keeps an audit log of staff actions (AppendAuditLog,
// ListAuditLog). It is not part of Store since only the HTTP API writes it.
//
// # Concurrency
//
// The conversation row is only written from inside the per-customer lock held
// by the conversation service. Order stage changes use ApplyTransition, which
// updates the row only when it is still at the expected stage and appends the
// closed stage to the history in the same transaction, reporting
// ErrStageConflict otherwise. ClaimDueTasks marks tasks running inside a
// transaction so concurrent runners never receive the same task. A task left
// running for longer than TaskLease is claimed again, so a runner that dies
// mid-task delays it instead of losing it.
//
// # Timestamps
//
// Timestamps are stored as RFC3339 UTC text with second precision. Task fire
// times are rounded up to the next second so a task never runs early.
package store

// Package sync drains the outbox to the backend and merges backend changes
// into the local store.
//
// Overview
//
// Writes never wait for the network. Lifecycle managers commit a record and
// its outbox entry locally; the Coordinator later delivers the entry and, once
// the backend acknowledges it, records the server id, marks the record synced
// and removes the entry, all in one local transaction.
//
// Architecture
//
//	lifecycle managers ──(tx: record + outbox entry)──► local store
//	                                                        │
//	       Trigger() / timer / connectivity regained        ▼
//	                          Coordinator.SyncOnce ──► push: outbox, FIFO per type
//	                                                 └► pull: changes since watermark
//
// Push
//
// Entity types are drained in dependency order (shifts before orders). Within
// a type entries go oldest first, and once an entry of a record fails every
// later entry of that record waits for the next pass. A retryable failure
// also backs off the whole type with exponential delay, leaving other types
// untouched. Entries are never discarded: past the retry ceiling they stay
// queued and are reported as exhausted until an operator resets them.
//
// References between records always hold local ids. When an order is pushed
// its shift and customer references are resolved through the id map; an
// order whose shift has not been acknowledged yet is deferred without
// counting as a failure.
//
// Pull
//
// Pulled records are merged last-writer-wins by updated_at, except that a
// record with queued local changes is left alone and a paid or cancelled
// order is never moved back by a pull. Such contradictions are written to the
// conflict log.
package sync

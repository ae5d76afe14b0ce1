// Package pool implements a bounded pool of exclusive SQLite connections.
//
// Unlike the implicit pooling inside database/sql, checkout here is
// explicit: Acquire hands a caller a connection that nothing else touches
// until Release, which is what transactional batching in the engine relies
// on. The pool never holds more than MaxSize connections across idle and
// checked-out states, blocks saturated Acquire calls on a channel instead
// of polling, and bounds the wait with a configurable timeout.
//
// Store-level performance settings (journal mode, synchronous level,
// in-memory temp storage, page cache size, busy timeout) are applied once
// per connection when it is created.
package pool

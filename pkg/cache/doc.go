// Package cache provides the bounded query-result cache used by the CRUD
// engine.
//
// Results are keyed by a fingerprint of the originating query and its
// parameters. The cache is a fixed-size LRU; every entry also records the
// tables its query referenced, so a write to a table can invalidate exactly
// the results that may have gone stale. If the invalidation bookkeeping is
// ever found inconsistent the cache purges itself rather than risk serving
// a stale result.
package cache

// Package cache implements the persistent object cache backing the image
// service: a base directory holding exactly two subdirectories, "pending"
// and "active", with one file per entry named by its identifier. Entries are
// created pending, flipped to active exactly once by an atomic cross-directory
// rename, and removed only by expiry-based pruning. The filesystem is the
// sole synchronization substrate, so several worker processes may share one
// store: creation races collapse into a single atomic link(2) outcome and
// readers either see the fully written file or nothing. WaitFor lets a reader
// block until another caller's in-flight render finishes, backed by polling
// with an fsnotify fast path.
package cache

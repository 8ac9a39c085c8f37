// Package memory implements the broker storage interfaces with in-process
// maps guarded by a read-write mutex. A background goroutine purges
// authorization states from abandoned flows; call Stop to terminate it.
package memory

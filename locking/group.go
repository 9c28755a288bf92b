// Package locking runs functions with mutual exclusion over string keys.
package locking

// Group is an abstraction for running functions with mutual exclusion over
// sets of keys.
type Group interface {
	// DoWithLock runs fn with mutual exclusion over key.
	DoWithLock(key string, fn func() (any, error)) (any, error)
}

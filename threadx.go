package threadx

import (
	"sync"
)

// Package threadx ports lightning-js/threadx's cross-worker shared
// memory runtime to Go: goroutines stand in for workers, a []byte
// backed by sync/atomic stands in for a SharedArrayBuffer, and
// channels stand in for the notify/wait futex and the message
// transport.
//
// Three pieces compose: BufferStruct (sharedmem.go, buffer.go) is a
// typed, schema-driven view over one such buffer with lock/notify
// primitives; SharedObject (sharedobject.go) is the in-worker
// projection that reconciles local writes against a peer's on a
// perpetual mutation cycle; Router (router.go) is the peer registry
// and message dispatcher that ties SharedObjects to the worker that
// owns their other half.

var (
	instanceMu sync.Mutex
	instance   *Router
)

// Init constructs the process-wide Router singleton spec.md §4.4
// describes — one per worker/goroutine-pool process — and returns it.
// Calling Init twice without an intervening Destroy is an error: a
// process has exactly one router.
func Init(opts Options) (*Router, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return nil, ErrAlreadyInitialized
	}

	r, err := NewRouter(opts)
	if err != nil {
		return nil, err
	}
	instance = r
	return r, nil
}

// Instance returns the process-wide Router singleton, or
// ErrRouterNotInitialized if Init hasn't been called yet.
func Instance() (*Router, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return nil, ErrRouterNotInitialized
	}
	return instance, nil
}

// Destroy tears down the process-wide Router singleton, closing every
// registered peer transport and rejecting any request still pending.
// It is safe to call when no singleton exists.
func Destroy() {
	instanceMu.Lock()
	r := instance
	instance = nil
	instanceMu.Unlock()

	if r != nil {
		r.Destroy()
	}
}

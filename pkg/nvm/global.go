package nvm

import (
	"errors"
	"sync"
)

// The process-wide default manager. Most library code takes a *Manager
// explicitly; the default exists for hosts that want the classic
// init/get/close lifecycle around a single store per process.
var (
	defaultMu  sync.Mutex
	defaultMgr *Manager
)

// Init opens the process-wide default manager. Returns true if this call
// performed first-time initialization of the backing file, false if an
// existing store was recovered. Calling Init twice without an intervening
// CloseDefault is an error.
func Init(cfg Config) (bool, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultMgr != nil {
		return false, ErrAlreadyInitialized
	}

	m, fresh, err := Open(cfg)
	if err != nil {
		return false, err
	}
	defaultMgr = m
	return fresh, nil
}

// Get returns the default manager. Panics if Init has not been called;
// by the time Get is reachable the caller's setup code has gone wrong in
// a way no recovery at this layer can fix.
func Get() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultMgr == nil {
		panic("nvm: Get called before Init")
	}
	return defaultMgr
}

// CloseDefault flushes, unmaps, and releases the default manager.
func CloseDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultMgr == nil {
		return nil
	}
	err := defaultMgr.Close()
	defaultMgr = nil
	return err
}

// ErrAlreadyInitialized is returned by Init when the default manager is
// already open.
var ErrAlreadyInitialized = errors.New("nvm: default manager already initialized")

package vaultfs

import (
	"fmt"
	"reflect"
	"sync"
)

// openStores tracks which stores this process has open, so that a second
// Open of the same store, or a password change underneath an open store,
// fails with ErrBusy instead of racing.
var openStores = struct {
	sync.Mutex
	keys map[any]struct{}
}{keys: make(map[any]struct{})}

type pathKey string

// storeKey identifies a backend for the registry. Backends of
// non-comparable types are not tracked.
func storeKey(b Backend) (any, bool) {
	if d, ok := b.(*dirBackend); ok {
		return pathKey(d.root), true
	}
	if b == nil || !reflect.TypeOf(b).Comparable() {
		return nil, false
	}
	return b, true
}

// acquire marks the store as open and returns the function that releases it
func acquire(b Backend) (func(), error) {
	key, ok := storeKey(b)
	if !ok {
		return func() {}, nil
	}

	openStores.Lock()
	defer openStores.Unlock()

	if _, held := openStores.keys[key]; held {
		return nil, fmt.Errorf("%v: %w", key, ErrBusy)
	}
	openStores.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			openStores.Lock()
			delete(openStores.keys, key)
			openStores.Unlock()
		})
	}, nil
}

// ChangePassword rotates the passphrase of the closed store at path. It
// fails with ErrBusy if this process has the store open.
func ChangePassword(path string, oldPass, newPass []byte) error {
	b := NewDirBackend(path)
	release, err := acquire(b)
	if err != nil {
		return err
	}
	defer release()

	return NewKeyManager(b, nil).ChangePassword(oldPass, newPass, nil)
}

// ResetPassword sets a new passphrase on the closed store at path using
// its recovery phrase.
func ResetPassword(path, phrase string, newPass []byte) error {
	b := NewDirBackend(path)
	release, err := acquire(b)
	if err != nil {
		return err
	}
	defer release()

	return NewKeyManager(b, nil).ResetPassword(phrase, newPass)
}

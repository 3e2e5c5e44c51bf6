package storage

import "errors"

// ErrNotFound is returned by DB.Get (and derived stores) when a key is
// absent.
var ErrNotFound = errors.New("storage: not found")

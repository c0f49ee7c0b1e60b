package store

import "errors"

// ErrUnavailable indicates the underlying database is not open. The failure
// is local to the calling operation; callers may retry after reopening.
var ErrUnavailable = errors.New("record store unavailable")

// Provides common tabby errors definitions.
package tabby_errors

import "errors"

var (
	ErrEmptyID        = errors.New("tabby: empty id")
	ErrNotifyOverflow = errors.New("tabby: listeners keep mutating the store, notification abandoned")
	ErrBadSchema      = errors.New("tabby: bad schema")
	ErrBadMergeable   = errors.New("tabby: bad mergeable content")
	ErrClosed         = errors.New("tabby: closed")
	ErrInTransaction  = errors.New("tabby: not allowed inside a transaction")

	ErrNothingPersisted = errors.New("tabby: nothing persisted")
	ErrPeerUnknown      = errors.New("tabby: unknown peer")
	ErrRequestTimeout   = errors.New("tabby: sync request timed out")
	ErrBadMessage       = errors.New("tabby: bad sync message")
)

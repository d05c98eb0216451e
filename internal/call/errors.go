package call

import "errors"

var (
	// ErrSessionBusy means a call session is already in progress. Exactly one
	// session exists at a time; the second caller is rejected, never queued.
	ErrSessionBusy = errors.New("call: session busy")

	// ErrInvalidTarget means the callee ID is empty or the local user itself.
	ErrInvalidTarget = errors.New("call: invalid target")

	// ErrInvalidState means the operation does not apply to the session's
	// current state (e.g. Accept while not ringing).
	ErrInvalidState = errors.New("call: invalid state")

	// ErrNotFound means no call record exists for the given ID.
	ErrNotFound = errors.New("call: not found")

	// ErrPermissionDenied means local capture devices could not be opened.
	// Recoverable: the user can grant access and dial again.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrClosed means the manager has been shut down.
	ErrClosed = errors.New("call: manager closed")
)

package engine

import (
	"errors"
	"fmt"

	"github.com/syncmesh/syncmesh/internal/storage"
)

// Error kinds surfaced to transports. Handlers match with errors.Is and map
// each kind to a status code; the wrapped detail stays in the message.
var (
	// ErrNotFound covers every entity lookup miss, including an unbound
	// remote id supplied for an update or delete.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized rejects an operation the node's capability flags do
	// not permit. Nothing is persisted.
	ErrNotAuthorized = errors.New("node is not authorized for this operation")

	// ErrConflict rejects a create on a record that already exists and is
	// not deleted, and a publish whose record head keeps moving.
	ErrConflict = errors.New("conflicting change")

	// ErrGone rejects an update or delete on a deleted record.
	ErrGone = errors.New("record is deleted")

	// ErrState rejects an acknowledge or fail on a message that is not in
	// sent state.
	ErrState = errors.New("message state does not allow transition")

	// ErrRemoteConflict rejects a remote id that is already bound to a
	// different record for the same node, in either direction.
	ErrRemoteConflict = errors.New("remote id conflicts with existing binding")

	// ErrFetchBeforeSend rejects a publish from a node that still has
	// pending inbound messages while its network enforces catch-up.
	ErrFetchBeforeSend = errors.New("node must fetch pending messages before sending")

	// ErrValidation rejects malformed input before any state is touched.
	ErrValidation = errors.New("invalid request")

	// ErrStorageUnavailable signals that the store cannot serve requests.
	// The engine never retries it internally.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// coerce lifts storage sentinels into the engine's error kinds. Errors the
// engine has no kind for pass through untouched.
func coerce(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNetworkNotFound),
		errors.Is(err, storage.ErrNodeNotFound),
		errors.Is(err, storage.ErrRecordNotFound),
		errors.Is(err, storage.ErrChangeNotFound),
		errors.Is(err, storage.ErrMessageNotFound),
		errors.Is(err, storage.ErrRemoteNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, storage.ErrMessageState):
		return fmt.Errorf("%w: %v", ErrState, err)
	case errors.Is(err, storage.ErrRemoteConflict):
		return fmt.Errorf("%w: %v", ErrRemoteConflict, err)
	case errors.Is(err, storage.ErrNetworkExists),
		errors.Is(err, storage.ErrNodeExists):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, storage.ErrStoreClosed):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

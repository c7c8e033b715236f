package storage

import "errors"

// Sentinel errors returned by Store implementations. Callers match them with
// errors.Is; backends may wrap them with driver detail.
var (
	ErrNetworkNotFound = errors.New("network not found")
	ErrNetworkExists   = errors.New("network already exists")

	ErrNodeNotFound = errors.New("node not found")
	ErrNodeExists   = errors.New("node already exists")

	ErrRecordNotFound = errors.New("record not found")
	ErrChangeNotFound = errors.New("change not found")

	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageState rejects a transition on a message that is not in the
	// required source state, or that belongs to a different destination.
	ErrMessageState = errors.New("message state does not allow transition")

	// ErrStaleRecord rejects a publication whose PriorHeadID no longer
	// matches the stored head. The publisher lost a version race.
	ErrStaleRecord = errors.New("record head advanced since read")

	// ErrRemoteConflict rejects binding a remote id that is already bound to
	// a different record, or a record that already carries a different
	// remote id, for the same node.
	ErrRemoteConflict = errors.New("remote id conflicts with existing binding")

	ErrRemoteNotFound = errors.New("remote binding not found")

	// ErrStoreClosed is returned by operations attempted after Close.
	ErrStoreClosed = errors.New("store is closed")
)

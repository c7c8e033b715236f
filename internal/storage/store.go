// Package storage defines the persistence contract for the sync broker and
// provides the backends that implement it. The engine speaks only this
// interface; every backend must satisfy the same semantics, which the shared
// contract test suite enforces.
package storage

import "context"

// Store is the persistence contract. All reads and writes are scoped to one
// network; nothing an implementation stores may leak across networks.
//
// The three Commit methods and ClaimNextPending are the atomic composites:
// they either apply every listed effect or none, and their compare-and-set
// checks run inside the same atomic scope. Everything else is plain CRUD.
type Store interface {
	// CreateNetwork persists a new network. ErrNetworkExists if the id is taken.
	CreateNetwork(ctx context.Context, network *Network) error
	// GetNetwork returns the network or ErrNetworkNotFound.
	GetNetwork(ctx context.Context, id string) (*Network, error)
	// UpdateNetwork overwrites a network's mutable fields. ErrNetworkNotFound
	// if it does not exist.
	UpdateNetwork(ctx context.Context, network *Network) error
	// ListNetworks returns every network ordered by creation time.
	ListNetworks(ctx context.Context) ([]*Network, error)

	// CreateNode persists a new node. ErrNetworkNotFound if the network does
	// not exist, ErrNodeExists if the id is taken.
	CreateNode(ctx context.Context, node *Node) error
	// GetNode returns the node or ErrNodeNotFound.
	GetNode(ctx context.Context, networkID, id string) (*Node, error)
	// UpdateNode overwrites a node's mutable fields. ErrNodeNotFound if it
	// does not exist.
	UpdateNode(ctx context.Context, node *Node) error
	// ListNodes returns every node in the network ordered by creation time.
	ListNodes(ctx context.Context, networkID string) ([]*Node, error)

	// GetRecord returns the record or ErrRecordNotFound.
	GetRecord(ctx context.Context, networkID, id string) (*Record, error)
	// ListRecords returns every record in the network ordered by creation
	// time, tombstones included.
	ListRecords(ctx context.Context, networkID string) ([]*Record, error)

	// GetChange returns the change or ErrChangeNotFound.
	GetChange(ctx context.Context, networkID, id string) (*Change, error)
	// ListChanges returns a record's full history in ascending version order.
	ListChanges(ctx context.Context, networkID, recordID string) ([]*Change, error)

	// GetMessage returns the message or ErrMessageNotFound.
	GetMessage(ctx context.Context, networkID, id string) (*Message, error)
	// ListMessages returns the messages matching the query ordered by
	// (created_at, id).
	ListMessages(ctx context.Context, networkID string, query MessageQuery) ([]*Message, error)
	// CountPendingMessages returns the number of pending messages destined
	// for the node.
	CountPendingMessages(ctx context.Context, networkID, destinationID string) (int, error)

	// ClaimNextPending atomically moves the oldest pending message for the
	// destination, ordered by (created_at, id), into sent and returns it.
	// Concurrent claimers never receive the same message. ErrMessageNotFound
	// when the queue is empty.
	ClaimNextPending(ctx context.Context, networkID, destinationID string) (*Message, error)

	// GetRemoteByRecord returns the node's binding for a record, or
	// ErrRemoteNotFound.
	GetRemoteByRecord(ctx context.Context, networkID, nodeID, recordID string) (*Remote, error)
	// GetRemoteByRemoteID resolves a node's private id to its binding, or
	// ErrRemoteNotFound.
	GetRemoteByRemoteID(ctx context.Context, networkID, nodeID, remoteID string) (*Remote, error)

	// CommitPublish applies a publication in one atomic step: upsert the
	// record head, insert the change, insert the origin message and every
	// delivery, and bind the publisher's remote id when present. The record
	// head is compare-and-set against PriorHeadID; ErrStaleRecord when it
	// moved, ErrRemoteConflict when the binding collides.
	CommitPublish(ctx context.Context, pub *Publication) error

	// CommitAck transitions a message from sent to acknowledged and, when
	// remoteID is non-empty, binds it for the destination node in the same
	// atomic step. ErrMessageNotFound if the message does not exist or is
	// destined for another node, ErrMessageState if it is not in sent,
	// ErrRemoteConflict if the binding collides.
	CommitAck(ctx context.Context, networkID, messageID, nodeID, remoteID string) (*Message, error)

	// CommitFail transitions a message from sent to failed and records the
	// reason. Same error contract as CommitAck, minus the binding.
	CommitFail(ctx context.Context, networkID, messageID, nodeID, reason string) (*Message, error)

	// InsertSyncMessages inserts reseed messages, atomically skipping any
	// whose (destination, change) already has a live delivery: a message in
	// pending, sent or acknowledged, excluding the publisher's own audit row
	// (destination equals origin). Returns how many were inserted.
	InsertSyncMessages(ctx context.Context, networkID string, messages []*Message) (int, error)

	// IsReady reports whether the backend can serve requests.
	IsReady(ctx context.Context) bool

	// Close releases the backend. The store is unusable afterwards.
	Close() error
}

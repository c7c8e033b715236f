package storage

import (
	"encoding/json"
	"time"
)

// Method identifies the kind of mutation a change applies to a record.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// Valid reports whether m is one of the three supported mutation methods.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodDelete:
		return true
	}
	return false
}

// MessageState is the delivery state of a sync message.
type MessageState string

const (
	// StatePending means the message is queued and not yet handed to its
	// destination node.
	StatePending MessageState = "pending"
	// StateSent means the destination node has fetched the message and an
	// acknowledgement or failure report is outstanding.
	StateSent MessageState = "sent"
	// StateAcknowledged means the destination confirmed it applied the change.
	StateAcknowledged MessageState = "acknowledged"
	// StateFailed means the destination reported it could not apply the
	// change, or delivery was abandoned.
	StateFailed MessageState = "failed"
)

// Terminal reports whether s is a final state that no transition leaves.
func (s MessageState) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

// Network is an isolated synchronization domain. Every other entity lives
// inside exactly one network and is invisible outside it.
type Network struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// FetchBeforeSend requires a node to drain its inbound queue before it
	// may publish new changes.
	FetchBeforeSend bool `json:"fetch_before_send"`

	// Schema optionally constrains record payloads. It is stored verbatim
	// and interpreted by clients, not by the broker.
	Schema json.RawMessage `json:"schema,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is a participant in a network. The four permission flags gate which
// operations the node may perform: Create and Update gate publishing,
// Read gates fetching, Delete gates publishing delete changes.
type Node struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	Name      string `json:"name"`

	Create bool `json:"create"`
	Read   bool `json:"read"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a shared datum identified across the network by an opaque id.
// The record itself carries no payload; its current state is the payload of
// the head change.
type Record struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`

	// HeadID is the id of the latest change applied to this record.
	HeadID string `json:"head_id"`

	// Deleted marks a tombstone. Deleted records keep their history and may
	// be resurrected by a later create change.
	Deleted bool `json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is one immutable mutation in a record's history. Versions start at
// 1 and increase by exactly 1 per accepted change.
type Change struct {
	ID        string          `json:"id"`
	NetworkID string          `json:"network_id"`
	RecordID  string          `json:"record_id"`
	Version   int64           `json:"version"`
	Method    Method          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message is one delivery obligation: a single change addressed to a single
// node. OriginID and ParentID are empty on messages minted by a queue reseed.
type Message struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`

	// OriginID is the node that published the change, empty for reseeds.
	OriginID string `json:"origin_id,omitempty"`
	// DestinationID is the node this message must be delivered to.
	DestinationID string `json:"destination_id"`

	RecordID string `json:"record_id"`
	ChangeID string `json:"change_id"`

	// ParentID links a fan-out message back to the publisher's own message
	// for the same change.
	ParentID string `json:"parent_id,omitempty"`

	Method Method `json:"method"`

	// RemoteID is the destination node's private identifier for the record,
	// when one is known.
	RemoteID string `json:"remote_id,omitempty"`

	State MessageState `json:"state"`

	// Reason records why delivery failed. Empty unless State is failed.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remote binds one node's private identifier for a record to the record's
// network-wide id. At most one binding exists per (node, record) and per
// (node, remote id).
type Remote struct {
	NetworkID string    `json:"network_id"`
	NodeID    string    `json:"node_id"`
	RecordID  string    `json:"record_id"`
	RemoteID  string    `json:"remote_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publication is the unit of work committed when a node publishes a change:
// the record's new head state, the change itself, the publisher's own
// acknowledged message, the pending fan-out messages, and optionally a new
// remote binding for the publisher. The store applies all of it atomically.
type Publication struct {
	Record *Record
	Change *Change

	// PriorHeadID is the head change id the publisher observed, empty when
	// the record is being created. Commit fails with ErrStaleRecord if the
	// stored head differs.
	PriorHeadID string

	// Origin is the publisher's own message, already in its terminal state.
	Origin *Message

	// Deliveries are the pending messages fanned out to the other nodes.
	Deliveries []*Message

	// Remote optionally binds the publisher's private id for the record.
	Remote *Remote
}

// MessageQuery selects messages within a network. Zero fields match
// everything; set fields narrow the selection.
type MessageQuery struct {
	DestinationID string
	RecordID      string
	ChangeID      string
	States        []MessageState

	// UpdatedBefore, when non-zero, matches only messages last touched
	// strictly before the given instant.
	UpdatedBefore time.Time
}

func (q MessageQuery) matchesState(s MessageState) bool {
	if len(q.States) == 0 {
		return true
	}
	for _, want := range q.States {
		if s == want {
			return true
		}
	}
	return false
}

// Matches reports whether m satisfies every set field of the query.
func (q MessageQuery) Matches(m *Message) bool {
	if q.DestinationID != "" && m.DestinationID != q.DestinationID {
		return false
	}
	if q.RecordID != "" && m.RecordID != q.RecordID {
		return false
	}
	if q.ChangeID != "" && m.ChangeID != q.ChangeID {
		return false
	}
	if !q.matchesState(m.State) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !m.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

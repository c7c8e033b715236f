package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/ident"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// SendInput is one change submitted by a node. RecordID and RemoteID address
// the target record; when both are present RecordID decides and RemoteID is
// only checked for consistency. Neither set means a brand-new record.
type SendInput struct {
	Method   storage.Method
	Payload  json.RawMessage
	RecordID string
	RemoteID string
}

// Send publishes a change: it appends to the record's history, advances the
// head, and fans the change out as pending messages to every other node that
// reads. The publisher's own message is returned already acknowledged.
//
// The read-build-commit cycle is optimistic; when a concurrent publish moves
// the record head first, Send re-reads and retries a bounded number of times
// before giving up with ErrConflict.
func (e *Engine) Send(ctx context.Context, networkID, nodeID string, in SendInput) (*Envelope, error) {
	network, err := e.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, coerce(err)
	}
	node, err := e.store.GetNode(ctx, networkID, nodeID)
	if err != nil {
		return nil, coerce(err)
	}

	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", ErrValidation, in.Method)
	}
	if err := authorize(node, in.Method); err != nil {
		return nil, err
	}
	if in.Method == storage.MethodDelete {
		if len(in.Payload) != 0 {
			return nil, fmt.Errorf("%w: delete changes carry no payload", ErrValidation)
		}
	} else {
		if len(in.Payload) == 0 {
			return nil, fmt.Errorf("%w: %s changes require a payload", ErrValidation, in.Method)
		}
		if !json.Valid(in.Payload) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
		}
	}

	if network.FetchBeforeSend {
		pending, err := e.store.CountPendingMessages(ctx, networkID, nodeID)
		if err != nil {
			return nil, coerce(err)
		}
		if pending > 0 {
			return nil, fmt.Errorf("%w: %d messages pending", ErrFetchBeforeSend, pending)
		}
	}

	for attempt := 1; ; attempt++ {
		envelope, err := e.publishOnce(ctx, networkID, node, in)
		if err == nil {
			return envelope, nil
		}
		if !errors.Is(err, storage.ErrStaleRecord) {
			return nil, err
		}
		if attempt >= e.publishRetries {
			return nil, fmt.Errorf("%w: record head moved %d times during publish", ErrConflict, attempt)
		}
		e.logger.WithFields(logrus.Fields{
			"network_id": networkID,
			"node_id":    nodeID,
			"attempt":    attempt,
		}).Debug("Record head moved during publish, retrying")
	}
}

// publishOnce runs one read-build-commit cycle. It returns the raw
// storage.ErrStaleRecord on a lost head race so Send can retry; every other
// error is already coerced.
func (e *Engine) publishOnce(ctx context.Context, networkID string, node *storage.Node, in SendInput) (*Envelope, error) {
	record, err := e.resolveTarget(ctx, networkID, node.ID, in)
	if err != nil {
		return nil, err
	}

	switch {
	case record == nil:
		if in.Method != storage.MethodCreate {
			return nil, fmt.Errorf("%w: no record matches the request", ErrNotFound)
		}
	case in.Method == storage.MethodCreate:
		// A create aimed at a tombstone resurrects it; aimed at a live
		// record it is a duplicate.
		if !record.Deleted {
			return nil, fmt.Errorf("%w: record %s already exists", ErrConflict, record.ID)
		}
	default:
		if record.Deleted {
			return nil, fmt.Errorf("%w: record %s", ErrGone, record.ID)
		}
	}

	now := time.Now().UTC()

	var (
		recordID    string
		priorHeadID string
		version     int64
		createdAt   time.Time
	)
	if record == nil {
		recordID = ident.New()
		version = 1
		createdAt = now
	} else {
		recordID = record.ID
		priorHeadID = record.HeadID
		createdAt = record.CreatedAt
		head, err := e.store.GetChange(ctx, networkID, record.HeadID)
		if err != nil {
			return nil, coerce(err)
		}
		version = head.Version + 1
	}

	change := &storage.Change{
		ID:        ident.New(),
		NetworkID: networkID,
		RecordID:  recordID,
		Version:   version,
		Method:    in.Method,
		Payload:   in.Payload,
		CreatedAt: now,
	}

	// The publisher's own message is born acknowledged: it documents the
	// publish and is never queued for delivery.
	origin := &storage.Message{
		ID:            ident.New(),
		NetworkID:     networkID,
		OriginID:      node.ID,
		DestinationID: node.ID,
		RecordID:      recordID,
		ChangeID:      change.ID,
		Method:        in.Method,
		RemoteID:      in.RemoteID,
		State:         storage.StateAcknowledged,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if origin.RemoteID == "" && record != nil {
		if remote, err := e.store.GetRemoteByRecord(ctx, networkID, node.ID, recordID); err == nil {
			origin.RemoteID = remote.RemoteID
		} else if !errors.Is(err, storage.ErrRemoteNotFound) {
			return nil, coerce(err)
		}
	}

	deliveries, err := e.fanOut(ctx, networkID, node.ID, origin, change, now)
	if err != nil {
		return nil, err
	}

	pub := &storage.Publication{
		Record: &storage.Record{
			ID:        recordID,
			NetworkID: networkID,
			HeadID:    change.ID,
			Deleted:   in.Method == storage.MethodDelete,
			CreatedAt: createdAt,
			UpdatedAt: now,
		},
		Change:      change,
		PriorHeadID: priorHeadID,
		Origin:      origin,
		Deliveries:  deliveries,
	}
	if in.RemoteID != "" {
		pub.Remote = &storage.Remote{
			NetworkID: networkID,
			NodeID:    node.ID,
			RecordID:  recordID,
			RemoteID:  in.RemoteID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := e.store.CommitPublish(ctx, pub); err != nil {
		if errors.Is(err, storage.ErrStaleRecord) {
			return nil, err
		}
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    node.ID,
		"record_id":  recordID,
		"change_id":  change.ID,
		"version":    version,
		"method":     in.Method,
		"deliveries": len(deliveries),
	}).Info("Change published")

	return &Envelope{
		Message:    origin,
		Version:    change.Version,
		Payload:    change.Payload,
		Deliveries: len(deliveries),
	}, nil
}

// resolveTarget maps the request's record/remote addressing to a stored
// record. A nil record with nil error means no record is addressed and a
// create would mint one.
func (e *Engine) resolveTarget(ctx context.Context, networkID, nodeID string, in SendInput) (*storage.Record, error) {
	if in.RecordID != "" {
		record, err := e.store.GetRecord(ctx, networkID, in.RecordID)
		if err != nil {
			return nil, coerce(err)
		}
		if in.RemoteID != "" {
			remote, err := e.store.GetRemoteByRemoteID(ctx, networkID, nodeID, in.RemoteID)
			if err != nil && !errors.Is(err, storage.ErrRemoteNotFound) {
				return nil, coerce(err)
			}
			if err == nil && remote.RecordID != record.ID {
				return nil, fmt.Errorf("%w: remote id %q is bound to another record", ErrRemoteConflict, in.RemoteID)
			}
		}
		return record, nil
	}

	if in.RemoteID != "" {
		remote, err := e.store.GetRemoteByRemoteID(ctx, networkID, nodeID, in.RemoteID)
		if errors.Is(err, storage.ErrRemoteNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, coerce(err)
		}
		record, err := e.store.GetRecord(ctx, networkID, remote.RecordID)
		if err != nil {
			return nil, coerce(err)
		}
		return record, nil
	}

	return nil, nil
}

// fanOut builds one pending message per peer node that reads. Each message
// carries the peer's own remote id for the record when a binding exists.
func (e *Engine) fanOut(ctx context.Context, networkID, publisherID string, origin *storage.Message, change *storage.Change, now time.Time) ([]*storage.Message, error) {
	nodes, err := e.store.ListNodes(ctx, networkID)
	if err != nil {
		return nil, coerce(err)
	}

	var deliveries []*storage.Message
	for _, peer := range nodes {
		if peer.ID == publisherID || !peer.Read {
			continue
		}
		remoteID := ""
		if remote, err := e.store.GetRemoteByRecord(ctx, networkID, peer.ID, change.RecordID); err == nil {
			remoteID = remote.RemoteID
		} else if !errors.Is(err, storage.ErrRemoteNotFound) {
			return nil, coerce(err)
		}
		deliveries = append(deliveries, &storage.Message{
			ID:            ident.New(),
			NetworkID:     networkID,
			OriginID:      publisherID,
			DestinationID: peer.ID,
			RecordID:      change.RecordID,
			ChangeID:      change.ID,
			ParentID:      origin.ID,
			Method:        change.Method,
			RemoteID:      remoteID,
			State:         storage.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return deliveries, nil
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/ident"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// Fetch claims the oldest pending message for the node and moves it to sent.
// It returns nil without error when the queue is empty. Nodes that do not
// read never receive deliveries, so their queue is always empty.
func (e *Engine) Fetch(ctx context.Context, networkID, nodeID string) (*Envelope, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return nil, coerce(err)
	}
	node, err := e.store.GetNode(ctx, networkID, nodeID)
	if err != nil {
		return nil, coerce(err)
	}
	if !node.Read {
		return nil, nil
	}

	message, err := e.store.ClaimNextPending(ctx, networkID, nodeID)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, coerce(err)
	}

	// the binding may have appeared or moved since fan-out stamped the
	// message; deliver the freshest translation
	if remote, err := e.store.GetRemoteByRecord(ctx, networkID, nodeID, message.RecordID); err == nil {
		message.RemoteID = remote.RemoteID
	} else if !errors.Is(err, storage.ErrRemoteNotFound) {
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    nodeID,
		"message_id": message.ID,
		"record_id":  message.RecordID,
	}).Debug("Message claimed")
	return e.envelope(ctx, message)
}

// Acknowledge confirms the node applied a sent message. A non-empty remoteID
// binds the node's private identifier for the record in the same step, so
// later deliveries for the record arrive pre-translated.
func (e *Engine) Acknowledge(ctx context.Context, networkID, nodeID, messageID, remoteID string) (*Envelope, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return nil, coerce(err)
	}
	if _, err := e.store.GetNode(ctx, networkID, nodeID); err != nil {
		return nil, coerce(err)
	}

	message, err := e.store.CommitAck(ctx, networkID, messageID, nodeID, remoteID)
	if err != nil {
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    nodeID,
		"message_id": message.ID,
	}).Info("Message acknowledged")
	return e.envelope(ctx, message)
}

// Fail records that the node could not apply a sent message. The message is
// terminal afterwards; a queue reseed is the retry path.
func (e *Engine) Fail(ctx context.Context, networkID, nodeID, messageID, reason string) (*Envelope, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return nil, coerce(err)
	}
	if _, err := e.store.GetNode(ctx, networkID, nodeID); err != nil {
		return nil, coerce(err)
	}

	message, err := e.store.CommitFail(ctx, networkID, messageID, nodeID, reason)
	if err != nil {
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    nodeID,
		"message_id": message.ID,
		"reason":     reason,
	}).Warn("Message failed")
	return e.envelope(ctx, message)
}

// HasPending returns the number of messages queued for the node.
func (e *Engine) HasPending(ctx context.Context, networkID, nodeID string) (int, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return 0, coerce(err)
	}
	if _, err := e.store.GetNode(ctx, networkID, nodeID); err != nil {
		return 0, coerce(err)
	}
	count, err := e.store.CountPendingMessages(ctx, networkID, nodeID)
	if err != nil {
		return 0, coerce(err)
	}
	return count, nil
}

// SyncNode reseeds a node's queue with the current head of every live record
// so a reset or newly added node can catch up. Reseed messages carry method
// create and no origin. Records whose head is already covered by a pending,
// sent or acknowledged message for the node are skipped; failed deliveries
// are enqueued again. Returns how many messages were inserted.
func (e *Engine) SyncNode(ctx context.Context, networkID, nodeID string) (int, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return 0, coerce(err)
	}
	node, err := e.store.GetNode(ctx, networkID, nodeID)
	if err != nil {
		return 0, coerce(err)
	}
	if !node.Read {
		return 0, nil
	}

	records, err := e.store.ListRecords(ctx, networkID)
	if err != nil {
		return 0, coerce(err)
	}

	now := time.Now().UTC()
	var candidates []*storage.Message
	for _, record := range records {
		if record.Deleted {
			continue
		}
		remoteID := ""
		if remote, err := e.store.GetRemoteByRecord(ctx, networkID, node.ID, record.ID); err == nil {
			remoteID = remote.RemoteID
		} else if !errors.Is(err, storage.ErrRemoteNotFound) {
			return 0, coerce(err)
		}
		candidates = append(candidates, &storage.Message{
			ID:            ident.New(),
			NetworkID:     networkID,
			DestinationID: node.ID,
			RecordID:      record.ID,
			ChangeID:      record.HeadID,
			Method:        storage.MethodCreate,
			RemoteID:      remoteID,
			State:         storage.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	inserted, err := e.store.InsertSyncMessages(ctx, networkID, candidates)
	if err != nil {
		return 0, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    nodeID,
		"records":    len(candidates),
		"inserted":   inserted,
	}).Info("Node queue reseeded")
	return inserted, nil
}

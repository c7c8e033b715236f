package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements the Store interface using Pebble (CockroachDB's LSM
// engine). Same key scheme as BadgerStore; atomicity comes from Pebble
// batches committed under a per-network mutex.
type PebbleStore struct {
	db         *pebble.DB
	ready      atomic.Bool
	logger     *logrus.Logger
	syncWrites bool
	networkMu  sync.Map // map[string]*sync.Mutex, one per network id
}

// PebbleOptions contains configuration options for PebbleStore
type PebbleOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewPebbleStore creates a new Pebble-backed sync store
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "state")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	store := &PebbleStore{
		db:         db,
		logger:     opts.Logger,
		syncWrites: opts.SyncWrites,
	}
	store.ready.Store(true)

	opts.Logger.WithField("path", dbPath).Info("Pebble sync store initialized")
	return store, nil
}

func (s *PebbleStore) writeOpt() *pebble.WriteOptions {
	if s.syncWrites {
		return pebble.Sync
	}
	return pebble.NoSync
}

// ==================== Key Helpers ====================

// prefixEnd returns the exclusive upper bound for a prefix scan in Pebble.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // all bytes overflowed, no upper bound
}

// pebbleGet reads a single key and returns a safe copy of the value.
func (s *PebbleStore) pebbleGet(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// pebbleGetJSON unmarshals the value at key into out. Returns false when the
// key does not exist.
func (s *PebbleStore) pebbleGetJSON(key []byte, out interface{}) (bool, error) {
	data, err := s.pebbleGet(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) pebbleExists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	_ = closer.Close()
	return true, nil
}

// pebbleIter creates a prefix-bounded iterator over [lower, prefixEnd(lower)).
func (s *PebbleStore) pebbleIter(lower []byte) (*pebble.Iterator, error) {
	upper := prefixEnd(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	return iter, nil
}

func batchPutJSON(batch *pebble.Batch, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return batch.Set(key, data, nil)
}

// putMessageBatch stages a message document plus its queue and dedup index
// entries. Origin audit rows (destination equals origin) are never delivered,
// so they stay out of the dedup index and do not block reseeds.
func putMessageBatch(batch *pebble.Batch, message *Message) error {
	if err := batchPutJSON(batch, messageKey(message.NetworkID, message.ID), message); err != nil {
		return err
	}
	if message.State == StatePending {
		if err := batch.Set(messageQueueKey(message), []byte(message.ID), nil); err != nil {
			return fmt.Errorf("failed to index pending message: %w", err)
		}
	}
	if message.State != StateFailed && message.OriginID != message.DestinationID {
		dedupKey := messageDedupKey(message.NetworkID, message.DestinationID, message.ChangeID)
		if err := batch.Set(dedupKey, []byte(message.ID), nil); err != nil {
			return fmt.Errorf("failed to index delivery: %w", err)
		}
	}
	return nil
}

// bindRemoteBatch stages a binding upsert. The alias side is unique: a remote
// id already naming a different record is ErrRemoteConflict. Rebinding a
// record to a new remote id releases the old alias; the last writer wins.
// Reads go to the committed state, so the caller must hold the network mutex.
func (s *PebbleStore) bindRemoteBatch(batch *pebble.Batch, remote *Remote) error {
	var byAlias Remote
	found, err := s.pebbleGetJSON(remoteAliasDBKey(remote.NetworkID, remote.NodeID, remote.RemoteID), &byAlias)
	if err != nil {
		return err
	}
	if found && byAlias.RecordID != remote.RecordID {
		return ErrRemoteConflict
	}

	bound := *remote
	var byRecord Remote
	found, err = s.pebbleGetJSON(remoteRecordDBKey(remote.NetworkID, remote.NodeID, remote.RecordID), &byRecord)
	if err != nil {
		return err
	}
	if found {
		if byRecord.RemoteID == remote.RemoteID {
			return nil
		}
		if err := batch.Delete(remoteAliasDBKey(remote.NetworkID, remote.NodeID, byRecord.RemoteID), nil); err != nil {
			return fmt.Errorf("failed to release remote alias: %w", err)
		}
		bound.CreatedAt = byRecord.CreatedAt
	}

	if err := batchPutJSON(batch, remoteRecordDBKey(bound.NetworkID, bound.NodeID, bound.RecordID), &bound); err != nil {
		return err
	}
	return batchPutJSON(batch, remoteAliasDBKey(bound.NetworkID, bound.NodeID, bound.RemoteID), &bound)
}

func (s *PebbleStore) getNetworkMutex(networkID string) *sync.Mutex {
	mu, _ := s.networkMu.LoadOrStore(networkID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ==================== Network Operations ====================

// CreateNetwork creates a new network
func (s *PebbleStore) CreateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	mu := s.getNetworkMutex(network.ID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.pebbleExists(networkKey(network.ID))
	if err != nil {
		return err
	}
	if exists {
		return ErrNetworkExists
	}

	data, err := json.Marshal(network)
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}
	if err := s.db.Set(networkKey(network.ID), data, s.writeOpt()); err != nil {
		return fmt.Errorf("failed to store network: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"network_id": network.ID,
		"name":       network.Name,
	}).Debug("Network created in Pebble sync store")

	return nil
}

// GetNetwork retrieves a network by id
func (s *PebbleStore) GetNetwork(ctx context.Context, id string) (*Network, error) {
	var network Network
	found, err := s.pebbleGetJSON(networkKey(id), &network)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNetworkNotFound
	}
	return &network, nil
}

// UpdateNetwork updates an existing network
func (s *PebbleStore) UpdateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	mu := s.getNetworkMutex(network.ID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.pebbleExists(networkKey(network.ID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNetworkNotFound
	}

	data, err := json.Marshal(network)
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}
	return s.db.Set(networkKey(network.ID), data, s.writeOpt())
}

// ListNetworks lists all networks ordered by creation time
func (s *PebbleStore) ListNetworks(ctx context.Context) ([]*Network, error) {
	iter, err := s.pebbleIter(networkListPrefix())
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var networks []*Network
	for iter.First(); iter.Valid(); iter.Next() {
		var network Network
		if err := json.Unmarshal(iter.Value(), &network); err != nil {
			return nil, fmt.Errorf("failed to decode network: %w", err)
		}
		networks = append(networks, &network)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during network scan: %w", err)
	}

	sort.Slice(networks, func(i, j int) bool {
		if networks[i].CreatedAt.Equal(networks[j].CreatedAt) {
			return networks[i].ID < networks[j].ID
		}
		return networks[i].CreatedAt.Before(networks[j].CreatedAt)
	})
	return networks, nil
}

// ==================== Node Operations ====================

// CreateNode creates a new node inside a network
func (s *PebbleStore) CreateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	mu := s.getNetworkMutex(node.NetworkID)
	mu.Lock()
	defer mu.Unlock()

	networkExists, err := s.pebbleExists(networkKey(node.NetworkID))
	if err != nil {
		return err
	}
	if !networkExists {
		return ErrNetworkNotFound
	}

	nodeExists, err := s.pebbleExists(nodeKey(node.NetworkID, node.ID))
	if err != nil {
		return err
	}
	if nodeExists {
		return ErrNodeExists
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	if err := s.db.Set(nodeKey(node.NetworkID, node.ID), data, s.writeOpt()); err != nil {
		return fmt.Errorf("failed to store node: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"network_id": node.NetworkID,
		"node_id":    node.ID,
		"name":       node.Name,
	}).Debug("Node created in Pebble sync store")

	return nil
}

// GetNode retrieves a node by id
func (s *PebbleStore) GetNode(ctx context.Context, networkID, id string) (*Node, error) {
	var node Node
	found, err := s.pebbleGetJSON(nodeKey(networkID, id), &node)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNodeNotFound
	}
	return &node, nil
}

// UpdateNode updates an existing node
func (s *PebbleStore) UpdateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	mu := s.getNetworkMutex(node.NetworkID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.pebbleExists(nodeKey(node.NetworkID, node.ID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNodeNotFound
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	return s.db.Set(nodeKey(node.NetworkID, node.ID), data, s.writeOpt())
}

// ListNodes lists all nodes in a network ordered by creation time
func (s *PebbleStore) ListNodes(ctx context.Context, networkID string) ([]*Node, error) {
	iter, err := s.pebbleIter(nodeListPrefix(networkID))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var nodes []*Node
	for iter.First(); iter.Valid(); iter.Next() {
		var node Node
		if err := json.Unmarshal(iter.Value(), &node); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		nodes = append(nodes, &node)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during node scan: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes, nil
}

// ==================== Record and Change Operations ====================

// GetRecord retrieves a record by id
func (s *PebbleStore) GetRecord(ctx context.Context, networkID, id string) (*Record, error) {
	var record Record
	found, err := s.pebbleGetJSON(recordKey(networkID, id), &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRecordNotFound
	}
	return &record, nil
}

// ListRecords lists all records in a network ordered by creation time
func (s *PebbleStore) ListRecords(ctx context.Context, networkID string) ([]*Record, error) {
	iter, err := s.pebbleIter(recordListPrefix(networkID))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var records []*Record
	for iter.First(); iter.Valid(); iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records = append(records, &record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during record scan: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// GetChange retrieves a change by id
func (s *PebbleStore) GetChange(ctx context.Context, networkID, id string) (*Change, error) {
	var change Change
	found, err := s.pebbleGetJSON(changeKey(networkID, id), &change)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrChangeNotFound
	}
	return &change, nil
}

// ListChanges lists a record's history in ascending version order
func (s *PebbleStore) ListChanges(ctx context.Context, networkID, recordID string) ([]*Change, error) {
	iter, err := s.pebbleIter(changeVersionPrefix(networkID, recordID))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var changes []*Change
	for iter.First(); iter.Valid(); iter.Next() {
		changeID := string(iter.Value())

		var change Change
		found, err := s.pebbleGetJSON(changeKey(networkID, changeID), &change)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("change index points at missing change %s: %w", changeID, ErrChangeNotFound)
		}
		changes = append(changes, &change)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during change scan: %w", err)
	}

	return changes, nil
}

// ==================== Message Operations ====================

// GetMessage retrieves a message by id
func (s *PebbleStore) GetMessage(ctx context.Context, networkID, id string) (*Message, error) {
	var message Message
	found, err := s.pebbleGetJSON(messageKey(networkID, id), &message)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrMessageNotFound
	}
	return &message, nil
}

// ListMessages lists messages matching the query ordered by (created_at, id)
func (s *PebbleStore) ListMessages(ctx context.Context, networkID string, query MessageQuery) ([]*Message, error) {
	iter, err := s.pebbleIter(messageListPrefix(networkID))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var messages []*Message
	for iter.First(); iter.Valid(); iter.Next() {
		var message Message
		if err := json.Unmarshal(iter.Value(), &message); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		if query.Matches(&message) {
			messages = append(messages, &message)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during message scan: %w", err)
	}

	sortMessages(messages)
	return messages, nil
}

// CountPendingMessages counts the pending queue via the queue index
func (s *PebbleStore) CountPendingMessages(ctx context.Context, networkID, destinationID string) (int, error) {
	iter, err := s.pebbleIter(messageQueuePrefix(networkID, destinationID))
	if err != nil {
		return 0, err
	}
	defer iter.Close() //nolint:errcheck

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed during queue scan: %w", err)
	}
	return count, nil
}

// ClaimNextPending atomically claims the oldest pending message for a
// destination and transitions it to sent
func (s *PebbleStore) ClaimNextPending(ctx context.Context, networkID, destinationID string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	iter, err := s.pebbleIter(messageQueuePrefix(networkID, destinationID))
	if err != nil {
		return nil, err
	}

	if !iter.First() {
		scanErr := iter.Error()
		_ = iter.Close()
		if scanErr != nil {
			return nil, fmt.Errorf("failed during queue scan: %w", scanErr)
		}
		return nil, ErrMessageNotFound
	}

	messageID := string(iter.Value())
	queueKey := make([]byte, len(iter.Key()))
	copy(queueKey, iter.Key())
	_ = iter.Close()

	var message Message
	found, err := s.pebbleGetJSON(messageKey(networkID, messageID), &message)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("queue index points at missing message %s: %w", messageID, ErrMessageNotFound)
	}

	message.State = StateSent
	message.UpdatedAt = time.Now().UTC()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batchPutJSON(batch, messageKey(networkID, message.ID), &message); err != nil {
		return nil, err
	}
	if err := batch.Delete(queueKey, nil); err != nil {
		return nil, fmt.Errorf("failed to dequeue message: %w", err)
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &message, nil
}

// ==================== Remote Binding Operations ====================

// GetRemoteByRecord resolves a node's binding for a record
func (s *PebbleStore) GetRemoteByRecord(ctx context.Context, networkID, nodeID, recordID string) (*Remote, error) {
	var remote Remote
	found, err := s.pebbleGetJSON(remoteRecordDBKey(networkID, nodeID, recordID), &remote)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRemoteNotFound
	}
	return &remote, nil
}

// GetRemoteByRemoteID resolves a node's private id to its binding
func (s *PebbleStore) GetRemoteByRemoteID(ctx context.Context, networkID, nodeID, remoteID string) (*Remote, error) {
	var remote Remote
	found, err := s.pebbleGetJSON(remoteAliasDBKey(networkID, nodeID, remoteID), &remote)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRemoteNotFound
	}
	return &remote, nil
}

// ==================== Atomic Composites ====================

// CommitPublish applies a publication atomically with a compare-and-set on
// the record head
func (s *PebbleStore) CommitPublish(ctx context.Context, pub *Publication) error {
	if pub == nil || pub.Record == nil || pub.Change == nil || pub.Origin == nil {
		return fmt.Errorf("publication is incomplete")
	}

	networkID := pub.Record.NetworkID
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var existing Record
	recordExists, err := s.pebbleGetJSON(recordKey(networkID, pub.Record.ID), &existing)
	if err != nil {
		return err
	}
	if pub.PriorHeadID == "" {
		if recordExists {
			return ErrStaleRecord
		}
	} else if !recordExists || existing.HeadID != pub.PriorHeadID {
		return ErrStaleRecord
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if pub.Remote != nil {
		if err := s.bindRemoteBatch(batch, pub.Remote); err != nil {
			return err
		}
	}
	if err := batchPutJSON(batch, recordKey(networkID, pub.Record.ID), pub.Record); err != nil {
		return err
	}
	if err := batchPutJSON(batch, changeKey(networkID, pub.Change.ID), pub.Change); err != nil {
		return err
	}
	if err := batch.Set(changeVersionKey(networkID, pub.Change.RecordID, pub.Change.Version), []byte(pub.Change.ID), nil); err != nil {
		return fmt.Errorf("failed to index change version: %w", err)
	}
	if err := putMessageBatch(batch, pub.Origin); err != nil {
		return err
	}
	for _, delivery := range pub.Deliveries {
		if err := putMessageBatch(batch, delivery); err != nil {
			return err
		}
	}

	if err := batch.Commit(s.writeOpt()); err != nil {
		return fmt.Errorf("failed to commit publication: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"record_id":  pub.Record.ID,
		"change_id":  pub.Change.ID,
		"version":    pub.Change.Version,
		"deliveries": len(pub.Deliveries),
	}).Debug("Publication committed")

	return nil
}

// CommitAck transitions a sent message to acknowledged, binding the
// destination's remote id when provided
func (s *PebbleStore) CommitAck(ctx context.Context, networkID, messageID, nodeID, remoteID string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var message Message
	found, err := s.pebbleGetJSON(messageKey(networkID, messageID), &message)
	if err != nil {
		return nil, err
	}
	if !found || message.DestinationID != nodeID {
		return nil, ErrMessageNotFound
	}
	if message.State != StateSent {
		return nil, ErrMessageState
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if remoteID != "" {
		now := time.Now().UTC()
		remote := &Remote{
			NetworkID: networkID,
			NodeID:    nodeID,
			RecordID:  message.RecordID,
			RemoteID:  remoteID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.bindRemoteBatch(batch, remote); err != nil {
			return nil, err
		}
		message.RemoteID = remoteID
	}

	message.State = StateAcknowledged
	message.UpdatedAt = time.Now().UTC()

	if err := batchPutJSON(batch, messageKey(networkID, message.ID), &message); err != nil {
		return nil, err
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return nil, fmt.Errorf("failed to commit acknowledgement: %w", err)
	}

	return &message, nil
}

// CommitFail transitions a sent message to failed and records the reason
func (s *PebbleStore) CommitFail(ctx context.Context, networkID, messageID, nodeID, reason string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var message Message
	found, err := s.pebbleGetJSON(messageKey(networkID, messageID), &message)
	if err != nil {
		return nil, err
	}
	if !found || message.DestinationID != nodeID {
		return nil, ErrMessageNotFound
	}
	if message.State != StateSent {
		return nil, ErrMessageState
	}

	message.State = StateFailed
	message.Reason = reason
	message.UpdatedAt = time.Now().UTC()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batchPutJSON(batch, messageKey(networkID, message.ID), &message); err != nil {
		return nil, err
	}
	// the pair no longer has a live delivery, a reseed may retry it
	dedupKey := messageDedupKey(networkID, message.DestinationID, message.ChangeID)
	if err := batch.Delete(dedupKey, nil); err != nil {
		return nil, fmt.Errorf("failed to clear delivery index: %w", err)
	}
	if err := batch.Commit(s.writeOpt()); err != nil {
		return nil, fmt.Errorf("failed to commit failure: %w", err)
	}

	return &message, nil
}

// InsertSyncMessages inserts reseed messages, skipping pairs that already
// have a live delivery
func (s *PebbleStore) InsertSyncMessages(ctx context.Context, networkID string, messages []*Message) (int, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	inserted := 0
	for _, message := range messages {
		dedupKey := messageDedupKey(networkID, message.DestinationID, message.ChangeID)
		exists, err := s.pebbleExists(dedupKey)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		if err := putMessageBatch(batch, message); err != nil {
			return 0, err
		}
		inserted++
	}

	if err := batch.Commit(s.writeOpt()); err != nil {
		return 0, fmt.Errorf("failed to commit sync messages: %w", err)
	}
	return inserted, nil
}

// ==================== Lifecycle ====================

// Close closes the store
func (s *PebbleStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing Pebble sync store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *PebbleStore) IsReady(ctx context.Context) bool {
	return s.ready.Load()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Store = (*PebbleStore)(nil)

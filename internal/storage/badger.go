package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements the Store interface using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger

	// one mutex per network id; serializes the atomic composites so Badger's
	// optimistic concurrency never surfaces ErrConflict to callers
	networkMu sync.Map
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	DataDir    string
	SyncWrites bool // If true, every write is synced to disk (slower but safer)
	GCEnabled  bool // Enable periodic value-log garbage collection
	Logger     *logrus.Logger
}

// NewBadgerStore creates a new BadgerDB-backed sync store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "state")

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(64 << 20).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		logger: opts.Logger,
	}
	store.ready.Store(true)

	if opts.GCEnabled {
		go store.runGC()
	}

	opts.Logger.WithField("path", dbPath).Info("BadgerDB sync store initialized")

	return store, nil
}

// ==================== Key Naming Scheme ====================
// Primary documents are JSON under an entity prefix; the msgq, chgv, dedup
// and remotealias keys are secondary indexes kept in step inside the same
// transaction as the document they point at.

func networkKey(id string) []byte {
	return []byte(fmt.Sprintf("network:%s", id))
}

func networkListPrefix() []byte {
	return []byte("network:")
}

func nodeKey(networkID, id string) []byte {
	return []byte(fmt.Sprintf("node:%s:%s", networkID, id))
}

func nodeListPrefix(networkID string) []byte {
	return []byte(fmt.Sprintf("node:%s:", networkID))
}

func recordKey(networkID, id string) []byte {
	return []byte(fmt.Sprintf("record:%s:%s", networkID, id))
}

func recordListPrefix(networkID string) []byte {
	return []byte(fmt.Sprintf("record:%s:", networkID))
}

func changeKey(networkID, id string) []byte {
	return []byte(fmt.Sprintf("change:%s:%s", networkID, id))
}

func changeVersionKey(networkID, recordID string, version int64) []byte {
	return []byte(fmt.Sprintf("chgv:%s:%s:%010d", networkID, recordID, version))
}

func changeVersionPrefix(networkID, recordID string) []byte {
	return []byte(fmt.Sprintf("chgv:%s:%s:", networkID, recordID))
}

func messageKey(networkID, id string) []byte {
	return []byte(fmt.Sprintf("message:%s:%s", networkID, id))
}

func messageListPrefix(networkID string) []byte {
	return []byte(fmt.Sprintf("message:%s:", networkID))
}

// queue index: byte order of %020d unix-nanos gives oldest-first iteration
func messageQueueKey(m *Message) []byte {
	return []byte(fmt.Sprintf("msgq:%s:%s:%020d:%s", m.NetworkID, m.DestinationID, m.CreatedAt.UnixNano(), m.ID))
}

func messageQueuePrefix(networkID, destinationID string) []byte {
	return []byte(fmt.Sprintf("msgq:%s:%s:", networkID, destinationID))
}

// dedup index: present iff a live (non-failed) delivery exists for the pair
func messageDedupKey(networkID, destinationID, changeID string) []byte {
	return []byte(fmt.Sprintf("msgdedup:%s:%s:%s", networkID, destinationID, changeID))
}

func remoteRecordDBKey(networkID, nodeID, recordID string) []byte {
	return []byte(fmt.Sprintf("remote:%s:%s:%s", networkID, nodeID, recordID))
}

func remoteAliasDBKey(networkID, nodeID, remoteID string) []byte {
	return []byte(fmt.Sprintf("remotealias:%s:%s:%s", networkID, nodeID, remoteID))
}

// ==================== Transaction Helpers ====================

// badgerGet unmarshals the value at key into out. Returns false when the key
// does not exist.
func badgerGet(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	}); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func badgerPut(txn *badger.Txn, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// putMessageTxn writes a message document and keeps the queue and dedup
// indexes consistent with its state. Origin audit rows (destination equals
// origin) are never delivered, so they stay out of the dedup index and do
// not block reseeds.
func putMessageTxn(txn *badger.Txn, message *Message) error {
	if err := badgerPut(txn, messageKey(message.NetworkID, message.ID), message); err != nil {
		return err
	}
	if message.State == StatePending {
		if err := txn.Set(messageQueueKey(message), []byte(message.ID)); err != nil {
			return fmt.Errorf("failed to index pending message: %w", err)
		}
	}
	if message.State != StateFailed && message.OriginID != message.DestinationID {
		dedupKey := messageDedupKey(message.NetworkID, message.DestinationID, message.ChangeID)
		if err := txn.Set(dedupKey, []byte(message.ID)); err != nil {
			return fmt.Errorf("failed to index delivery: %w", err)
		}
	}
	return nil
}

// bindRemoteTxn upserts a binding. The alias side is unique: a remote id
// already naming a different record is ErrRemoteConflict. Rebinding a record
// to a new remote id releases the old alias; the last writer wins.
func bindRemoteTxn(txn *badger.Txn, remote *Remote) error {
	var byAlias Remote
	found, err := badgerGet(txn, remoteAliasDBKey(remote.NetworkID, remote.NodeID, remote.RemoteID), &byAlias)
	if err != nil {
		return err
	}
	if found && byAlias.RecordID != remote.RecordID {
		return ErrRemoteConflict
	}

	bound := *remote
	var byRecord Remote
	found, err = badgerGet(txn, remoteRecordDBKey(remote.NetworkID, remote.NodeID, remote.RecordID), &byRecord)
	if err != nil {
		return err
	}
	if found {
		if byRecord.RemoteID == remote.RemoteID {
			return nil
		}
		if err := txn.Delete(remoteAliasDBKey(remote.NetworkID, remote.NodeID, byRecord.RemoteID)); err != nil {
			return fmt.Errorf("failed to release remote alias: %w", err)
		}
		bound.CreatedAt = byRecord.CreatedAt
	}

	if err := badgerPut(txn, remoteRecordDBKey(bound.NetworkID, bound.NodeID, bound.RecordID), &bound); err != nil {
		return err
	}
	return badgerPut(txn, remoteAliasDBKey(bound.NetworkID, bound.NodeID, bound.RemoteID), &bound)
}

// getNetworkMutex returns the commit mutex for a network, creating it on
// first use.
func (s *BadgerStore) getNetworkMutex(networkID string) *sync.Mutex {
	mu, _ := s.networkMu.LoadOrStore(networkID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ==================== Network Operations ====================

// CreateNetwork creates a new network
func (s *BadgerStore) CreateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	mu := s.getNetworkMutex(network.ID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(networkKey(network.ID))
		if err == nil {
			return ErrNetworkExists
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check network existence: %w", err)
		}

		if err := badgerPut(txn, networkKey(network.ID), network); err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"network_id": network.ID,
			"name":       network.Name,
		}).Debug("Network created in sync store")

		return nil
	})
}

// GetNetwork retrieves a network by id
func (s *BadgerStore) GetNetwork(ctx context.Context, id string) (*Network, error) {
	var network Network

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, networkKey(id), &network)
		if err != nil {
			return err
		}
		if !found {
			return ErrNetworkNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &network, nil
}

// UpdateNetwork updates an existing network
func (s *BadgerStore) UpdateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	mu := s.getNetworkMutex(network.ID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(networkKey(network.ID))
		if err == badger.ErrKeyNotFound {
			return ErrNetworkNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check network existence: %w", err)
		}
		return badgerPut(txn, networkKey(network.ID), network)
	})
}

// ListNetworks lists all networks ordered by creation time
func (s *BadgerStore) ListNetworks(ctx context.Context) ([]*Network, error) {
	var networks []*Network

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = networkListPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var network Network
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &network)
			}); err != nil {
				return fmt.Errorf("failed to decode network: %w", err)
			}
			networks = append(networks, &network)
		}
		return nil
	})
	if err != nil {
		return nil, err
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
func (s *BadgerStore) CreateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	mu := s.getNetworkMutex(node.NetworkID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(networkKey(node.NetworkID)); err == badger.ErrKeyNotFound {
			return ErrNetworkNotFound
		} else if err != nil {
			return fmt.Errorf("failed to check network existence: %w", err)
		}

		_, err := txn.Get(nodeKey(node.NetworkID, node.ID))
		if err == nil {
			return ErrNodeExists
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check node existence: %w", err)
		}

		if err := badgerPut(txn, nodeKey(node.NetworkID, node.ID), node); err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"network_id": node.NetworkID,
			"node_id":    node.ID,
			"name":       node.Name,
		}).Debug("Node created in sync store")

		return nil
	})
}

// GetNode retrieves a node by id
func (s *BadgerStore) GetNode(ctx context.Context, networkID, id string) (*Node, error) {
	var node Node

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, nodeKey(networkID, id), &node)
		if err != nil {
			return err
		}
		if !found {
			return ErrNodeNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &node, nil
}

// UpdateNode updates an existing node
func (s *BadgerStore) UpdateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	mu := s.getNetworkMutex(node.NetworkID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(node.NetworkID, node.ID))
		if err == badger.ErrKeyNotFound {
			return ErrNodeNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check node existence: %w", err)
		}
		return badgerPut(txn, nodeKey(node.NetworkID, node.ID), node)
	})
}

// ListNodes lists all nodes in a network ordered by creation time
func (s *BadgerStore) ListNodes(ctx context.Context, networkID string) ([]*Node, error) {
	var nodes []*Node

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodeListPrefix(networkID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var node Node
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			}); err != nil {
				return fmt.Errorf("failed to decode node: %w", err)
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	if err != nil {
		return nil, err
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
func (s *BadgerStore) GetRecord(ctx context.Context, networkID, id string) (*Record, error) {
	var record Record

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, recordKey(networkID, id), &record)
		if err != nil {
			return err
		}
		if !found {
			return ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// ListRecords lists all records in a network ordered by creation time
func (s *BadgerStore) ListRecords(ctx context.Context, networkID string) ([]*Record, error) {
	var records []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordListPrefix(networkID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
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
func (s *BadgerStore) GetChange(ctx context.Context, networkID, id string) (*Change, error) {
	var change Change

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, changeKey(networkID, id), &change)
		if err != nil {
			return err
		}
		if !found {
			return ErrChangeNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &change, nil
}

// ListChanges lists a record's history in ascending version order
func (s *BadgerStore) ListChanges(ctx context.Context, networkID, recordID string) ([]*Change, error) {
	var changes []*Change

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = changeVersionPrefix(networkID, recordID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// the version index iterates in ascending version order already
		for it.Rewind(); it.Valid(); it.Next() {
			var changeID string
			if err := it.Item().Value(func(val []byte) error {
				changeID = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to read change index: %w", err)
			}

			var change Change
			found, err := badgerGet(txn, changeKey(networkID, changeID), &change)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("change index points at missing change %s: %w", changeID, ErrChangeNotFound)
			}
			changes = append(changes, &change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return changes, nil
}

// ==================== Message Operations ====================

// GetMessage retrieves a message by id
func (s *BadgerStore) GetMessage(ctx context.Context, networkID, id string) (*Message, error) {
	var message Message

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, messageKey(networkID, id), &message)
		if err != nil {
			return err
		}
		if !found {
			return ErrMessageNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListMessages lists messages matching the query ordered by (created_at, id)
func (s *BadgerStore) ListMessages(ctx context.Context, networkID string, query MessageQuery) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageListPrefix(networkID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var message Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			}); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			if query.Matches(&message) {
				messages = append(messages, &message)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortMessages(messages)
	return messages, nil
}

// CountPendingMessages counts the pending queue for a destination via the
// queue index, without loading message documents
func (s *BadgerStore) CountPendingMessages(ctx context.Context, networkID, destinationID string) (int, error) {
	count := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageQueuePrefix(networkID, destinationID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// ClaimNextPending atomically claims the oldest pending message for a
// destination and transitions it to sent
func (s *BadgerStore) ClaimNextPending(ctx context.Context, networkID, destinationID string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var claimed *Message

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageQueuePrefix(networkID, destinationID)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return ErrMessageNotFound
		}

		var messageID string
		if err := it.Item().Value(func(val []byte) error {
			messageID = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read queue index: %w", err)
		}
		queueKey := it.Item().KeyCopy(nil)

		var message Message
		found, err := badgerGet(txn, messageKey(networkID, messageID), &message)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("queue index points at missing message %s: %w", messageID, ErrMessageNotFound)
		}

		message.State = StateSent
		message.UpdatedAt = time.Now().UTC()

		if err := badgerPut(txn, messageKey(networkID, message.ID), &message); err != nil {
			return err
		}
		if err := txn.Delete(queueKey); err != nil {
			return fmt.Errorf("failed to dequeue message: %w", err)
		}

		claimed = &message
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ==================== Remote Binding Operations ====================

// GetRemoteByRecord resolves a node's binding for a record
func (s *BadgerStore) GetRemoteByRecord(ctx context.Context, networkID, nodeID, recordID string) (*Remote, error) {
	var remote Remote

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, remoteRecordDBKey(networkID, nodeID, recordID), &remote)
		if err != nil {
			return err
		}
		if !found {
			return ErrRemoteNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &remote, nil
}

// GetRemoteByRemoteID resolves a node's private id to its binding
func (s *BadgerStore) GetRemoteByRemoteID(ctx context.Context, networkID, nodeID, remoteID string) (*Remote, error) {
	var remote Remote

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := badgerGet(txn, remoteAliasDBKey(networkID, nodeID, remoteID), &remote)
		if err != nil {
			return err
		}
		if !found {
			return ErrRemoteNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &remote, nil
}

// ==================== Atomic Composites ====================

// CommitPublish applies a publication atomically with a compare-and-set on
// the record head
func (s *BadgerStore) CommitPublish(ctx context.Context, pub *Publication) error {
	if pub == nil || pub.Record == nil || pub.Change == nil || pub.Origin == nil {
		return fmt.Errorf("publication is incomplete")
	}

	networkID := pub.Record.NetworkID
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		var existing Record
		recordExists, err := badgerGet(txn, recordKey(networkID, pub.Record.ID), &existing)
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

		if pub.Remote != nil {
			if err := bindRemoteTxn(txn, pub.Remote); err != nil {
				return err
			}
		}

		if err := badgerPut(txn, recordKey(networkID, pub.Record.ID), pub.Record); err != nil {
			return err
		}
		if err := badgerPut(txn, changeKey(networkID, pub.Change.ID), pub.Change); err != nil {
			return err
		}
		if err := txn.Set(changeVersionKey(networkID, pub.Change.RecordID, pub.Change.Version), []byte(pub.Change.ID)); err != nil {
			return fmt.Errorf("failed to index change version: %w", err)
		}
		if err := putMessageTxn(txn, pub.Origin); err != nil {
			return err
		}
		for _, delivery := range pub.Deliveries {
			if err := putMessageTxn(txn, delivery); err != nil {
				return err
			}
		}

		s.logger.WithFields(logrus.Fields{
			"network_id": networkID,
			"record_id":  pub.Record.ID,
			"change_id":  pub.Change.ID,
			"version":    pub.Change.Version,
			"deliveries": len(pub.Deliveries),
		}).Debug("Publication committed")

		return nil
	})
}

// CommitAck transitions a sent message to acknowledged, binding the
// destination's remote id when provided
func (s *BadgerStore) CommitAck(ctx context.Context, networkID, messageID, nodeID, remoteID string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var acked *Message

	err := s.db.Update(func(txn *badger.Txn) error {
		var message Message
		found, err := badgerGet(txn, messageKey(networkID, messageID), &message)
		if err != nil {
			return err
		}
		if !found || message.DestinationID != nodeID {
			return ErrMessageNotFound
		}
		if message.State != StateSent {
			return ErrMessageState
		}

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
			if err := bindRemoteTxn(txn, remote); err != nil {
				return err
			}
			message.RemoteID = remoteID
		}

		message.State = StateAcknowledged
		message.UpdatedAt = time.Now().UTC()

		if err := badgerPut(txn, messageKey(networkID, message.ID), &message); err != nil {
			return err
		}

		acked = &message
		return nil
	})
	if err != nil {
		return nil, err
	}

	return acked, nil
}

// CommitFail transitions a sent message to failed and records the reason
func (s *BadgerStore) CommitFail(ctx context.Context, networkID, messageID, nodeID, reason string) (*Message, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	var failed *Message

	err := s.db.Update(func(txn *badger.Txn) error {
		var message Message
		found, err := badgerGet(txn, messageKey(networkID, messageID), &message)
		if err != nil {
			return err
		}
		if !found || message.DestinationID != nodeID {
			return ErrMessageNotFound
		}
		if message.State != StateSent {
			return ErrMessageState
		}

		message.State = StateFailed
		message.Reason = reason
		message.UpdatedAt = time.Now().UTC()

		if err := badgerPut(txn, messageKey(networkID, message.ID), &message); err != nil {
			return err
		}
		// the pair no longer has a live delivery, a reseed may retry it
		dedupKey := messageDedupKey(networkID, message.DestinationID, message.ChangeID)
		if err := txn.Delete(dedupKey); err != nil {
			return fmt.Errorf("failed to clear delivery index: %w", err)
		}

		failed = &message
		return nil
	})
	if err != nil {
		return nil, err
	}

	return failed, nil
}

// InsertSyncMessages inserts reseed messages, skipping pairs that already
// have a live delivery
func (s *BadgerStore) InsertSyncMessages(ctx context.Context, networkID string, messages []*Message) (int, error) {
	mu := s.getNetworkMutex(networkID)
	mu.Lock()
	defer mu.Unlock()

	inserted := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		inserted = 0
		for _, message := range messages {
			dedupKey := messageDedupKey(networkID, message.DestinationID, message.ChangeID)
			_, err := txn.Get(dedupKey)
			if err == nil {
				continue
			}
			if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check delivery index: %w", err)
			}
			if err := putMessageTxn(txn, message); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// ==================== Lifecycle ====================

// Close closes the store
func (s *BadgerStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing BadgerDB sync store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *BadgerStore) IsReady(ctx context.Context) bool {
	return s.ready.Load()
}

// runGC runs value-log garbage collection periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if !s.ready.Load() {
			return
		}

		err := s.db.RunValueLogGC(0.5)
		if err != nil && err != badger.ErrNoRewrite {
			s.logger.WithError(err).Warn("Failed to run GC")
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Store = (*BadgerStore)(nil)

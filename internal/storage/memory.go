package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It backs tests and the
// dev-mode broker; nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	networks map[string]*Network
	nodes    map[string]map[string]*Node    // network id -> node id
	records  map[string]map[string]*Record  // network id -> record id
	changes  map[string]map[string]*Change  // network id -> change id
	messages map[string]map[string]*Message // network id -> message id

	// remote bindings, both directions
	remoteByRecord map[string]map[string]*Remote // network id -> node\x00record
	remoteByAlias  map[string]map[string]*Remote // network id -> node\x00remote
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		networks:       make(map[string]*Network),
		nodes:          make(map[string]map[string]*Node),
		records:        make(map[string]map[string]*Record),
		changes:        make(map[string]map[string]*Change),
		messages:       make(map[string]map[string]*Message),
		remoteByRecord: make(map[string]map[string]*Remote),
		remoteByAlias:  make(map[string]map[string]*Remote),
	}
}

const remoteKeySep = "\x00"

func remoteRecordKey(nodeID, recordID string) string { return nodeID + remoteKeySep + recordID }
func remoteAliasKey(nodeID, remoteID string) string  { return nodeID + remoteKeySep + remoteID }

// ==================== Networks ====================

func (s *MemoryStore) CreateNetwork(_ context.Context, network *Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.networks[network.ID]; ok {
		return ErrNetworkExists
	}
	s.networks[network.ID] = cloneNetwork(network)
	return nil
}

func (s *MemoryStore) GetNetwork(_ context.Context, id string) (*Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	network, ok := s.networks[id]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	return cloneNetwork(network), nil
}

func (s *MemoryStore) UpdateNetwork(_ context.Context, network *Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.networks[network.ID]; !ok {
		return ErrNetworkNotFound
	}
	s.networks[network.ID] = cloneNetwork(network)
	return nil
}

func (s *MemoryStore) ListNetworks(_ context.Context) ([]*Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	networks := make([]*Network, 0, len(s.networks))
	for _, network := range s.networks {
		networks = append(networks, cloneNetwork(network))
	}
	sort.Slice(networks, func(i, j int) bool {
		if networks[i].CreatedAt.Equal(networks[j].CreatedAt) {
			return networks[i].ID < networks[j].ID
		}
		return networks[i].CreatedAt.Before(networks[j].CreatedAt)
	})
	return networks, nil
}

// ==================== Nodes ====================

func (s *MemoryStore) CreateNode(_ context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.networks[node.NetworkID]; !ok {
		return ErrNetworkNotFound
	}
	nodes := s.nodes[node.NetworkID]
	if nodes == nil {
		nodes = make(map[string]*Node)
		s.nodes[node.NetworkID] = nodes
	}
	if _, ok := nodes[node.ID]; ok {
		return ErrNodeExists
	}
	nodes[node.ID] = cloneNode(node)
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, networkID, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	node, ok := s.nodes[networkID][id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.nodes[node.NetworkID][node.ID]; !ok {
		return ErrNodeNotFound
	}
	s.nodes[node.NetworkID][node.ID] = cloneNode(node)
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context, networkID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	nodes := make([]*Node, 0, len(s.nodes[networkID]))
	for _, node := range s.nodes[networkID] {
		nodes = append(nodes, cloneNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes, nil
}

// ==================== Records and changes ====================

func (s *MemoryStore) GetRecord(_ context.Context, networkID, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	record, ok := s.records[networkID][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) ListRecords(_ context.Context, networkID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	records := make([]*Record, 0, len(s.records[networkID]))
	for _, record := range s.records[networkID] {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) GetChange(_ context.Context, networkID, id string) (*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	change, ok := s.changes[networkID][id]
	if !ok {
		return nil, ErrChangeNotFound
	}
	return cloneChange(change), nil
}

func (s *MemoryStore) ListChanges(_ context.Context, networkID, recordID string) ([]*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var changes []*Change
	for _, change := range s.changes[networkID] {
		if change.RecordID == recordID {
			changes = append(changes, cloneChange(change))
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })
	return changes, nil
}

// ==================== Messages ====================

func (s *MemoryStore) GetMessage(_ context.Context, networkID, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	message, ok := s.messages[networkID][id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, networkID string, query MessageQuery) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var messages []*Message
	for _, message := range s.messages[networkID] {
		if query.Matches(message) {
			messages = append(messages, cloneMessage(message))
		}
	}
	sortMessages(messages)
	return messages, nil
}

func (s *MemoryStore) CountPendingMessages(_ context.Context, networkID, destinationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for _, message := range s.messages[networkID] {
		if message.DestinationID == destinationID && message.State == StatePending {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ClaimNextPending(_ context.Context, networkID, destinationID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var oldest *Message
	for _, message := range s.messages[networkID] {
		if message.DestinationID != destinationID || message.State != StatePending {
			continue
		}
		if oldest == nil || messageBefore(message, oldest) {
			oldest = message
		}
	}
	if oldest == nil {
		return nil, ErrMessageNotFound
	}
	oldest.State = StateSent
	oldest.UpdatedAt = time.Now().UTC()
	return cloneMessage(oldest), nil
}

// ==================== Remote bindings ====================

func (s *MemoryStore) GetRemoteByRecord(_ context.Context, networkID, nodeID, recordID string) (*Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	remote, ok := s.remoteByRecord[networkID][remoteRecordKey(nodeID, recordID)]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	return cloneRemote(remote), nil
}

func (s *MemoryStore) GetRemoteByRemoteID(_ context.Context, networkID, nodeID, remoteID string) (*Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	remote, ok := s.remoteByAlias[networkID][remoteAliasKey(nodeID, remoteID)]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	return cloneRemote(remote), nil
}

// bindRemoteLocked upserts a binding. The alias side is unique: a remote id
// already naming a different record is ErrRemoteConflict. Rebinding a record
// to a new remote id releases the old alias; the last writer wins. Caller
// holds s.mu.
func (s *MemoryStore) bindRemoteLocked(remote *Remote) error {
	networkID := remote.NetworkID
	if byAlias, ok := s.remoteByAlias[networkID][remoteAliasKey(remote.NodeID, remote.RemoteID)]; ok {
		if byAlias.RecordID != remote.RecordID {
			return ErrRemoteConflict
		}
	}

	stored := cloneRemote(remote)
	if byRecord, ok := s.remoteByRecord[networkID][remoteRecordKey(remote.NodeID, remote.RecordID)]; ok {
		if byRecord.RemoteID == remote.RemoteID {
			return nil
		}
		delete(s.remoteByAlias[networkID], remoteAliasKey(remote.NodeID, byRecord.RemoteID))
		stored.CreatedAt = byRecord.CreatedAt
	}

	if s.remoteByRecord[networkID] == nil {
		s.remoteByRecord[networkID] = make(map[string]*Remote)
	}
	if s.remoteByAlias[networkID] == nil {
		s.remoteByAlias[networkID] = make(map[string]*Remote)
	}
	s.remoteByRecord[networkID][remoteRecordKey(remote.NodeID, remote.RecordID)] = stored
	s.remoteByAlias[networkID][remoteAliasKey(remote.NodeID, remote.RemoteID)] = stored
	return nil
}

// ==================== Atomic composites ====================

func (s *MemoryStore) CommitPublish(_ context.Context, pub *Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	networkID := pub.Record.NetworkID

	existing, recordExists := s.records[networkID][pub.Record.ID]
	if pub.PriorHeadID == "" {
		if recordExists {
			return ErrStaleRecord
		}
	} else {
		if !recordExists || existing.HeadID != pub.PriorHeadID {
			return ErrStaleRecord
		}
	}

	// bind first: it is the only remaining step that can fail, and nothing
	// below it does, which keeps the commit all-or-nothing
	if pub.Remote != nil {
		if err := s.bindRemoteLocked(pub.Remote); err != nil {
			return err
		}
	}

	if s.records[networkID] == nil {
		s.records[networkID] = make(map[string]*Record)
	}
	if s.changes[networkID] == nil {
		s.changes[networkID] = make(map[string]*Change)
	}
	if s.messages[networkID] == nil {
		s.messages[networkID] = make(map[string]*Message)
	}

	s.records[networkID][pub.Record.ID] = cloneRecord(pub.Record)
	s.changes[networkID][pub.Change.ID] = cloneChange(pub.Change)
	s.messages[networkID][pub.Origin.ID] = cloneMessage(pub.Origin)
	for _, delivery := range pub.Deliveries {
		s.messages[networkID][delivery.ID] = cloneMessage(delivery)
	}
	return nil
}

func (s *MemoryStore) CommitAck(_ context.Context, networkID, messageID, nodeID, remoteID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	message, ok := s.messages[networkID][messageID]
	if !ok || message.DestinationID != nodeID {
		return nil, ErrMessageNotFound
	}
	if message.State != StateSent {
		return nil, ErrMessageState
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
		if err := s.bindRemoteLocked(remote); err != nil {
			return nil, err
		}
		message.RemoteID = remoteID
	}
	message.State = StateAcknowledged
	message.UpdatedAt = time.Now().UTC()
	return cloneMessage(message), nil
}

func (s *MemoryStore) CommitFail(_ context.Context, networkID, messageID, nodeID, reason string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	message, ok := s.messages[networkID][messageID]
	if !ok || message.DestinationID != nodeID {
		return nil, ErrMessageNotFound
	}
	if message.State != StateSent {
		return nil, ErrMessageState
	}
	message.State = StateFailed
	message.Reason = reason
	message.UpdatedAt = time.Now().UTC()
	return cloneMessage(message), nil
}

func (s *MemoryStore) InsertSyncMessages(_ context.Context, networkID string, messages []*Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if s.messages[networkID] == nil {
		s.messages[networkID] = make(map[string]*Message)
	}
	inserted := 0
	for _, message := range messages {
		if s.hasLiveDeliveryLocked(networkID, message.DestinationID, message.ChangeID) {
			continue
		}
		s.messages[networkID][message.ID] = cloneMessage(message)
		inserted++
	}
	return inserted, nil
}

// hasLiveDeliveryLocked reports whether a (destination, change) pair already
// has a delivery that is pending, sent or acknowledged. Failed deliveries do
// not count; a reseed may retry them. Origin audit rows (destination equals
// origin) are never delivered and do not count either.
func (s *MemoryStore) hasLiveDeliveryLocked(networkID, destinationID, changeID string) bool {
	for _, message := range s.messages[networkID] {
		if message.DestinationID != destinationID || message.ChangeID != changeID {
			continue
		}
		if message.State != StateFailed && message.OriginID != message.DestinationID {
			return true
		}
	}
	return false
}

// ==================== Lifecycle ====================

func (s *MemoryStore) IsReady(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ==================== Helpers ====================

func messageBefore(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortMessages(messages []*Message) {
	sort.Slice(messages, func(i, j int) bool { return messageBefore(messages[i], messages[j]) })
}

func cloneNetwork(n *Network) *Network {
	out := *n
	out.Schema = cloneRaw(n.Schema)
	return &out
}

func cloneNode(n *Node) *Node {
	out := *n
	return &out
}

func cloneRecord(r *Record) *Record {
	out := *r
	return &out
}

func cloneChange(c *Change) *Change {
	out := *c
	out.Payload = cloneRaw(c.Payload)
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	return &out
}

func cloneRemote(r *Remote) *Remote {
	out := *r
	return &out
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}

var _ Store = (*MemoryStore)(nil)

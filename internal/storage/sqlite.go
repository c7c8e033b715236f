package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/syncmesh/syncmesh/internal/db/migrations"
)

// SQLiteStore implements the Store interface on SQLite. Suited to
// single-binary deployments that want plain SQL on disk; the relational
// constraints (unique versions, unique bindings) double as a safety net
// under the engine's own checks.
type SQLiteStore struct {
	db     *sql.DB
	ready  atomic.Bool
	logger *logrus.Logger
}

// SQLiteOptions contains configuration options for SQLiteStore
type SQLiteOptions struct {
	DataDir string
	DSN     string // overrides the default file DSN when set
	Logger  *logrus.Logger
}

// NewSQLiteStore creates a new SQLite-backed sync store and runs migrations
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dsn := opts.DSN
	if dsn == "" {
		dbPath := filepath.Join(opts.DataDir, "db", "syncmesh.db")
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		// immediate txlock so write transactions take the lock at begin
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrationManager := migrations.NewMigrationManager(db, opts.Logger)
	if err := migrationManager.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: opts.Logger,
	}
	store.ready.Store(true)

	opts.Logger.WithField("dsn", dsn).Info("SQLite sync store initialized")
	return store, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const networkColumns = "id, name, fetch_before_send, schema, created_at, updated_at"

func scanNetwork(row rowScanner) (*Network, error) {
	var network Network
	var schema sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&network.ID, &network.Name, &network.FetchBeforeSend, &schema, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if schema.Valid {
		network.Schema = json.RawMessage(schema.String)
	}
	network.CreatedAt = time.Unix(0, createdAt).UTC()
	network.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &network, nil
}

const nodeColumns = "id, network_id, name, can_create, can_read, can_update, can_delete, created_at, updated_at"

func scanNode(row rowScanner) (*Node, error) {
	var node Node
	var createdAt, updatedAt int64
	if err := row.Scan(&node.ID, &node.NetworkID, &node.Name, &node.Create, &node.Read, &node.Update, &node.Delete, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	node.CreatedAt = time.Unix(0, createdAt).UTC()
	node.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &node, nil
}

const recordColumns = "id, network_id, head_id, deleted, created_at, updated_at"

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var createdAt, updatedAt int64
	if err := row.Scan(&record.ID, &record.NetworkID, &record.HeadID, &record.Deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &record, nil
}

const changeColumns = "id, network_id, record_id, version, method, payload, created_at"

func scanChange(row rowScanner) (*Change, error) {
	var change Change
	var payload sql.NullString
	var createdAt int64
	if err := row.Scan(&change.ID, &change.NetworkID, &change.RecordID, &change.Version, &change.Method, &payload, &createdAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		change.Payload = json.RawMessage(payload.String)
	}
	change.CreatedAt = time.Unix(0, createdAt).UTC()
	return &change, nil
}

const messageColumns = "id, network_id, origin_id, destination_id, record_id, change_id, parent_id, method, remote_id, state, reason, created_at, updated_at"

func scanMessage(row rowScanner) (*Message, error) {
	var message Message
	var createdAt, updatedAt int64
	if err := row.Scan(&message.ID, &message.NetworkID, &message.OriginID, &message.DestinationID,
		&message.RecordID, &message.ChangeID, &message.ParentID, &message.Method,
		&message.RemoteID, &message.State, &message.Reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	message.CreatedAt = time.Unix(0, createdAt).UTC()
	message.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &message, nil
}

const remoteColumns = "network_id, node_id, record_id, remote_id, created_at, updated_at"

func scanRemote(row rowScanner) (*Remote, error) {
	var remote Remote
	var createdAt, updatedAt int64
	if err := row.Scan(&remote.NetworkID, &remote.NodeID, &remote.RecordID, &remote.RemoteID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	remote.CreatedAt = time.Unix(0, createdAt).UTC()
	remote.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &remote, nil
}

// rawParam maps an optional JSON document to its column value, NULL when
// absent.
func rawParam(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// ==================== Network Operations ====================

// CreateNetwork creates a new network
func (s *SQLiteStore) CreateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO networks (id, name, fetch_before_send, schema, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, network.ID, network.Name, network.FetchBeforeSend, rawParam(network.Schema),
		network.CreatedAt.UnixNano(), network.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	if affected == 0 {
		return ErrNetworkExists
	}

	s.logger.WithFields(logrus.Fields{
		"network_id": network.ID,
		"name":       network.Name,
	}).Debug("Network created in SQLite sync store")

	return nil
}

// GetNetwork retrieves a network by id
func (s *SQLiteStore) GetNetwork(ctx context.Context, id string) (*Network, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = ?`, id)
	network, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNetworkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}
	return network, nil
}

// UpdateNetwork updates an existing network
func (s *SQLiteStore) UpdateNetwork(ctx context.Context, network *Network) error {
	if network == nil {
		return fmt.Errorf("network cannot be nil")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE networks SET name = ?, fetch_before_send = ?, schema = ?, updated_at = ?
		WHERE id = ?
	`, network.Name, network.FetchBeforeSend, rawParam(network.Schema),
		network.UpdatedAt.UnixNano(), network.ID)
	if err != nil {
		return fmt.Errorf("failed to update network: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update network: %w", err)
	}
	if affected == 0 {
		return ErrNetworkNotFound
	}
	return nil
}

// ListNetworks lists all networks ordered by creation time
func (s *SQLiteStore) ListNetworks(ctx context.Context) ([]*Network, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+networkColumns+` FROM networks ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	defer rows.Close()

	var networks []*Network
	for rows.Next() {
		network, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		networks = append(networks, network)
	}
	return networks, rows.Err()
}

// ==================== Node Operations ====================

// CreateNode creates a new node inside a network
func (s *SQLiteStore) CreateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks WHERE id = ?`, node.NetworkID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check network existence: %w", err)
	}
	if exists == 0 {
		return ErrNetworkNotFound
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, network_id, name, can_create, can_read, can_update, can_delete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(network_id, id) DO NOTHING
	`, node.ID, node.NetworkID, node.Name, node.Create, node.Read, node.Update, node.Delete,
		node.CreatedAt.UnixNano(), node.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if affected == 0 {
		return ErrNodeExists
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node creation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"network_id": node.NetworkID,
		"node_id":    node.ID,
		"name":       node.Name,
	}).Debug("Node created in SQLite sync store")

	return nil
}

// GetNode retrieves a node by id
func (s *SQLiteStore) GetNode(ctx context.Context, networkID, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE network_id = ? AND id = ?`, networkID, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// UpdateNode updates an existing node
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *Node) error {
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET name = ?, can_create = ?, can_read = ?, can_update = ?, can_delete = ?, updated_at = ?
		WHERE network_id = ? AND id = ?
	`, node.Name, node.Create, node.Read, node.Update, node.Delete,
		node.UpdatedAt.UnixNano(), node.NetworkID, node.ID)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// ListNodes lists all nodes in a network ordered by creation time
func (s *SQLiteStore) ListNodes(ctx context.Context, networkID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE network_id = ? ORDER BY created_at ASC, id ASC
	`, networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ==================== Record and Change Operations ====================

// GetRecord retrieves a record by id
func (s *SQLiteStore) GetRecord(ctx context.Context, networkID, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE network_id = ? AND id = ?`, networkID, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

// ListRecords lists all records in a network ordered by creation time
func (s *SQLiteStore) ListRecords(ctx context.Context, networkID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE network_id = ? ORDER BY created_at ASC, id ASC
	`, networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetChange retrieves a change by id
func (s *SQLiteStore) GetChange(ctx context.Context, networkID, id string) (*Change, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE network_id = ? AND id = ?`, networkID, id)
	change, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChangeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change: %w", err)
	}
	return change, nil
}

// ListChanges lists a record's history in ascending version order
func (s *SQLiteStore) ListChanges(ctx context.Context, networkID, recordID string) ([]*Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM changes WHERE network_id = ? AND record_id = ? ORDER BY version ASC
	`, networkID, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// ==================== Message Operations ====================

// GetMessage retrieves a message by id
func (s *SQLiteStore) GetMessage(ctx context.Context, networkID, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE network_id = ? AND id = ?`, networkID, id)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return message, nil
}

// ListMessages lists messages matching the query ordered by (created_at, id)
func (s *SQLiteStore) ListMessages(ctx context.Context, networkID string, query MessageQuery) ([]*Message, error) {
	where := []string{"network_id = ?"}
	args := []interface{}{networkID}

	if query.DestinationID != "" {
		where = append(where, "destination_id = ?")
		args = append(args, query.DestinationID)
	}
	if query.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, query.RecordID)
	}
	if query.ChangeID != "" {
		where = append(where, "change_id = ?")
		args = append(args, query.ChangeID)
	}
	if len(query.States) > 0 {
		placeholders := make([]string, len(query.States))
		for i, state := range query.States {
			placeholders[i] = "?"
			args = append(args, state)
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !query.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, query.UpdatedBefore.UnixNano())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// CountPendingMessages counts the pending queue for a destination
func (s *SQLiteStore) CountPendingMessages(ctx context.Context, networkID, destinationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE network_id = ? AND destination_id = ? AND state = ?
	`, networkID, destinationID, StatePending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// ClaimNextPending atomically claims the oldest pending message for a
// destination and transitions it to sent. The claim is a single UPDATE so
// concurrent claimers can never share a message.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context, networkID, destinationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET state = ?, updated_at = ?
		WHERE network_id = ? AND id = (
			SELECT id FROM messages
			WHERE network_id = ? AND destination_id = ? AND state = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+messageColumns,
		StateSent, time.Now().UTC().UnixNano(),
		networkID, networkID, destinationID, StatePending)

	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}
	return message, nil
}

// ==================== Remote Binding Operations ====================

// GetRemoteByRecord resolves a node's binding for a record
func (s *SQLiteStore) GetRemoteByRecord(ctx context.Context, networkID, nodeID, recordID string) (*Remote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+remoteColumns+` FROM remotes WHERE network_id = ? AND node_id = ? AND record_id = ?
	`, networkID, nodeID, recordID)
	remote, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRemoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote binding: %w", err)
	}
	return remote, nil
}

// GetRemoteByRemoteID resolves a node's private id to its binding
func (s *SQLiteStore) GetRemoteByRemoteID(ctx context.Context, networkID, nodeID, remoteID string) (*Remote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+remoteColumns+` FROM remotes WHERE network_id = ? AND node_id = ? AND remote_id = ?
	`, networkID, nodeID, remoteID)
	remote, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRemoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote binding: %w", err)
	}
	return remote, nil
}

// bindRemoteTx upserts a binding inside a transaction. The alias side is
// unique: a remote id already naming a different record is ErrRemoteConflict.
// Rebinding a record to a new remote id replaces the old alias; the last
// writer wins.
func bindRemoteTx(ctx context.Context, tx *sql.Tx, remote *Remote) error {
	var boundRecordID string
	err := tx.QueryRowContext(ctx, `
		SELECT record_id FROM remotes WHERE network_id = ? AND node_id = ? AND remote_id = ?
	`, remote.NetworkID, remote.NodeID, remote.RemoteID).Scan(&boundRecordID)
	if err == nil && boundRecordID != remote.RecordID {
		return ErrRemoteConflict
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check remote binding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO remotes (network_id, node_id, record_id, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(network_id, node_id, record_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			updated_at = excluded.updated_at
	`, remote.NetworkID, remote.NodeID, remote.RecordID, remote.RemoteID,
		remote.CreatedAt.UnixNano(), remote.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to bind remote: %w", err)
	}
	return nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, message *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.NetworkID, message.OriginID, message.DestinationID,
		message.RecordID, message.ChangeID, message.ParentID, message.Method,
		message.RemoteID, message.State, message.Reason,
		message.CreatedAt.UnixNano(), message.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ==================== Atomic Composites ====================

// CommitPublish applies a publication in one transaction with a
// compare-and-set on the record head
func (s *SQLiteStore) CommitPublish(ctx context.Context, pub *Publication) error {
	if pub == nil || pub.Record == nil || pub.Change == nil || pub.Origin == nil {
		return fmt.Errorf("publication is incomplete")
	}

	networkID := pub.Record.NetworkID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var headID string
	err = tx.QueryRowContext(ctx, `
		SELECT head_id FROM records WHERE network_id = ? AND id = ?
	`, networkID, pub.Record.ID).Scan(&headID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if pub.PriorHeadID != "" {
			return ErrStaleRecord
		}
	case err != nil:
		return fmt.Errorf("failed to read record head: %w", err)
	default:
		if pub.PriorHeadID == "" || headID != pub.PriorHeadID {
			return ErrStaleRecord
		}
	}

	if pub.Remote != nil {
		if err := bindRemoteTx(ctx, tx, pub.Remote); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (id, network_id, head_id, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(network_id, id) DO UPDATE SET
			head_id = excluded.head_id,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, pub.Record.ID, networkID, pub.Record.HeadID, pub.Record.Deleted,
		pub.Record.CreatedAt.UnixNano(), pub.Record.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO changes (`+changeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pub.Change.ID, networkID, pub.Change.RecordID, pub.Change.Version,
		pub.Change.Method, rawParam(pub.Change.Payload), pub.Change.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}

	if err := insertMessageTx(ctx, tx, pub.Origin); err != nil {
		return err
	}
	for _, delivery := range pub.Deliveries {
		if err := insertMessageTx(ctx, tx, delivery); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
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
func (s *SQLiteStore) CommitAck(ctx context.Context, networkID, messageID, nodeID, remoteID string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE network_id = ? AND id = ?`, networkID, messageID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if message.DestinationID != nodeID {
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
		if err := bindRemoteTx(ctx, tx, remote); err != nil {
			return nil, err
		}
		message.RemoteID = remoteID
	}

	message.State = StateAcknowledged
	message.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET state = ?, remote_id = ?, updated_at = ? WHERE network_id = ? AND id = ?
	`, message.State, message.RemoteID, message.UpdatedAt.UnixNano(), networkID, messageID); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit acknowledgement: %w", err)
	}
	return message, nil
}

// CommitFail transitions a sent message to failed and records the reason
func (s *SQLiteStore) CommitFail(ctx context.Context, networkID, messageID, nodeID, reason string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE network_id = ? AND id = ?`, networkID, messageID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if message.DestinationID != nodeID {
		return nil, ErrMessageNotFound
	}
	if message.State != StateSent {
		return nil, ErrMessageState
	}

	message.State = StateFailed
	message.Reason = reason
	message.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET state = ?, reason = ?, updated_at = ? WHERE network_id = ? AND id = ?
	`, message.State, message.Reason, message.UpdatedAt.UnixNano(), networkID, messageID); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit failure: %w", err)
	}
	return message, nil
}

// InsertSyncMessages inserts reseed messages, skipping pairs that already
// have a live delivery
func (s *SQLiteStore) InsertSyncMessages(ctx context.Context, networkID string, messages []*Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, message := range messages {
		// origin audit rows never count as deliveries
		var live int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE network_id = ? AND destination_id = ? AND change_id = ?
			  AND state != ? AND origin_id != destination_id
		`, networkID, message.DestinationID, message.ChangeID, StateFailed).Scan(&live)
		if err != nil {
			return 0, fmt.Errorf("failed to check live deliveries: %w", err)
		}
		if live > 0 {
			continue
		}
		if err := insertMessageTx(ctx, tx, message); err != nil {
			return 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sync messages: %w", err)
	}
	return inserted, nil
}

// ==================== Lifecycle ====================

// Close closes the store
func (s *SQLiteStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing SQLite sync store")
	return s.db.Close()
}

// IsReady returns true if the store is ready
func (s *SQLiteStore) IsReady(ctx context.Context) bool {
	if !s.ready.Load() {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

var _ Store = (*SQLiteStore)(nil)

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/storage"
)

func testEngine(t *testing.T) (*Engine, storage.Store) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return New(store, Options{Logger: logger}), store
}

func mustNetwork(t *testing.T, e *Engine, fetchBeforeSend bool) *storage.Network {
	t.Helper()
	network, err := e.CreateNetwork(context.Background(), CreateNetworkInput{
		Name:            "orders",
		FetchBeforeSend: fetchBeforeSend,
	})
	require.NoError(t, err)
	return network
}

func mustNode(t *testing.T, e *Engine, networkID, name string, create, read, update, del bool) *storage.Node {
	t.Helper()
	node, err := e.CreateNode(context.Background(), networkID, CreateNodeInput{
		Name:   name,
		Create: create,
		Read:   read,
		Update: update,
		Delete: del,
	})
	require.NoError(t, err)
	return node
}

// ==================== Admin ====================

func TestNetworkAdmin(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	t.Run("CreateRequiresName", func(t *testing.T) {
		_, err := e.CreateNetwork(ctx, CreateNetworkInput{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("CreateRejectsBadSchema", func(t *testing.T) {
		_, err := e.CreateNetwork(ctx, CreateNetworkInput{Name: "bad", Schema: json.RawMessage(`{`)})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		created, err := e.CreateNetwork(ctx, CreateNetworkInput{
			Name:   "inventory",
			Schema: json.RawMessage(`{"type":"object"}`),
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)

		got, err := e.GetNetwork(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "inventory", got.Name)
		assert.False(t, got.FetchBeforeSend)
		assert.JSONEq(t, `{"type":"object"}`, string(got.Schema))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := e.GetNetwork(ctx, "no-such-network")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PartialUpdate", func(t *testing.T) {
		network := mustNetwork(t, e, false)

		policy := true
		updated, err := e.UpdateNetwork(ctx, network.ID, NetworkPatch{FetchBeforeSend: &policy})
		require.NoError(t, err)
		assert.True(t, updated.FetchBeforeSend)
		assert.Equal(t, network.Name, updated.Name)

		name := "renamed"
		updated, err = e.UpdateNetwork(ctx, network.ID, NetworkPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		assert.True(t, updated.FetchBeforeSend)
	})

	t.Run("UpdateRejectsEmptyName", func(t *testing.T) {
		network := mustNetwork(t, e, false)
		empty := ""
		_, err := e.UpdateNetwork(ctx, network.ID, NetworkPatch{Name: &empty})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		name := "ghost"
		_, err := e.UpdateNetwork(ctx, "no-such-network", NetworkPatch{Name: &name})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNodeAdmin(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	network := mustNetwork(t, e, false)

	t.Run("CreateRequiresName", func(t *testing.T) {
		_, err := e.CreateNode(ctx, network.ID, CreateNodeInput{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("CreateInUnknownNetwork", func(t *testing.T) {
		_, err := e.CreateNode(ctx, "no-such-network", CreateNodeInput{Name: "orphan"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		node := mustNode(t, e, network.ID, "warehouse", true, true, false, false)

		got, err := e.GetNode(ctx, network.ID, node.ID)
		require.NoError(t, err)
		assert.Equal(t, "warehouse", got.Name)
		assert.True(t, got.Create)
		assert.True(t, got.Read)
		assert.False(t, got.Update)
		assert.False(t, got.Delete)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := e.GetNode(ctx, network.ID, "no-such-node")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		fresh := mustNetwork(t, e, false)
		a := mustNode(t, e, fresh.ID, "a", true, true, true, true)
		b := mustNode(t, e, fresh.ID, "b", true, true, true, true)

		nodes, err := e.ListNodes(ctx, fresh.ID)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		ids := []string{nodes[0].ID, nodes[1].ID}
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	})

	t.Run("ListUnknownNetwork", func(t *testing.T) {
		_, err := e.ListNodes(ctx, "no-such-network")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PartialUpdate", func(t *testing.T) {
		node := mustNode(t, e, network.ID, "worker", true, true, true, true)

		off := false
		updated, err := e.UpdateNode(ctx, network.ID, node.ID, NodePatch{Read: &off})
		require.NoError(t, err)
		assert.False(t, updated.Read)
		assert.True(t, updated.Create)
		assert.True(t, updated.Update)
		assert.True(t, updated.Delete)
		assert.Equal(t, "worker", updated.Name)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		name := "ghost"
		_, err := e.UpdateNode(ctx, network.ID, "no-such-node", NodePatch{Name: &name})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// ==================== Publish ====================

func TestSendFanOut(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	publisher := mustNode(t, e, network.ID, "publisher", true, true, true, true)
	reader := mustNode(t, e, network.ID, "reader", false, true, false, false)
	writer := mustNode(t, e, network.ID, "writer", true, false, true, true)

	env, err := e.Send(ctx, network.ID, publisher.ID, SendInput{
		Method:   storage.MethodCreate,
		Payload:  json.RawMessage(`{"sku":"A-1"}`),
		RemoteID: "crm-0001",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), env.Version)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(env.Payload))
	assert.Equal(t, 1, env.Deliveries)

	origin := env.Message
	assert.Equal(t, storage.StateAcknowledged, origin.State)
	assert.Equal(t, publisher.ID, origin.OriginID)
	assert.Equal(t, publisher.ID, origin.DestinationID)
	assert.Empty(t, origin.ParentID)
	assert.Equal(t, "crm-0001", origin.RemoteID)

	// only the reading peer has a delivery queued
	pending, err := e.HasPending(ctx, network.ID, reader.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	pending, err = e.HasPending(ctx, network.ID, writer.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	pending, err = e.HasPending(ctx, network.ID, publisher.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// the delivery points back at the origin and carries the same change
	deliveries, err := store.ListMessages(ctx, network.ID, storage.MessageQuery{DestinationID: reader.ID})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, origin.ID, deliveries[0].ParentID)
	assert.Equal(t, origin.ChangeID, deliveries[0].ChangeID)
	assert.Equal(t, storage.MethodCreate, deliveries[0].Method)
	assert.Equal(t, storage.StatePending, deliveries[0].State)

	// the counter grows with each publish
	_, err = e.Send(ctx, network.ID, publisher.ID, SendInput{
		Method:   storage.MethodCreate,
		Payload:  json.RawMessage(`{"sku":"B-2"}`),
		RemoteID: "crm-0002",
	})
	require.NoError(t, err)

	pending, err = e.HasPending(ctx, network.ID, reader.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestSendVersionsGapFree(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	publisher := mustNode(t, e, network.ID, "publisher", true, true, true, true)

	env, err := e.Send(ctx, network.ID, publisher.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	recordID := env.Message.RecordID

	for i := 2; i <= 4; i++ {
		env, err = e.Send(ctx, network.ID, publisher.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)),
			RecordID: recordID,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), env.Version)
	}

	changes, err := store.ListChanges(ctx, network.ID, recordID)
	require.NoError(t, err)
	require.Len(t, changes, 4)
	for i, change := range changes {
		assert.Equal(t, int64(i+1), change.Version)
	}
}

func TestSendCapabilityGate(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	publisher := mustNode(t, e, network.ID, "publisher", true, true, true, true)
	limited := mustNode(t, e, network.ID, "limited", false, true, false, false)

	env, err := e.Send(ctx, network.ID, publisher.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)

	cases := []struct {
		method  storage.Method
		payload string
		record  string
	}{
		{storage.MethodCreate, `{"v":1}`, ""},
		{storage.MethodUpdate, `{"v":2}`, env.Message.RecordID},
		{storage.MethodDelete, "", env.Message.RecordID},
	}
	for _, tc := range cases {
		t.Run(string(tc.method), func(t *testing.T) {
			var payload json.RawMessage
			if tc.payload != "" {
				payload = json.RawMessage(tc.payload)
			}
			_, err := e.Send(ctx, network.ID, limited.ID, SendInput{
				Method:   tc.method,
				Payload:  payload,
				RecordID: tc.record,
			})
			assert.ErrorIs(t, err, ErrNotAuthorized)
		})
	}

	// the rejected publishes left nothing behind
	records, err := store.ListRecords(ctx, network.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	messages, err := store.ListMessages(ctx, network.ID, storage.MessageQuery{})
	require.NoError(t, err)
	assert.Len(t, messages, 2) // the origin and the delivery to limited
}

func TestSendValidation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	node := mustNode(t, e, network.ID, "node", true, true, true, true)

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{Method: "merge", Payload: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("CreateWithoutPayload", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{Method: storage.MethodCreate})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{"k":`),
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("DeleteWithPayload", func(t *testing.T) {
		env, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{"v":1}`),
		})
		require.NoError(t, err)

		_, err = e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodDelete,
			Payload:  json.RawMessage(`{"v":1}`),
			RecordID: env.Message.RecordID,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("UnknownNetwork", func(t *testing.T) {
		_, err := e.Send(ctx, "no-such-network", node.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UnknownNode", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, "no-such-node", SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSendTargetResolution(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	node := mustNode(t, e, network.ID, "node", true, true, true, true)

	first, err := e.Send(ctx, network.ID, node.ID, SendInput{
		Method:   storage.MethodCreate,
		Payload:  json.RawMessage(`{"n":1}`),
		RemoteID: "r-1",
	})
	require.NoError(t, err)
	second, err := e.Send(ctx, network.ID, node.ID, SendInput{
		Method:   storage.MethodCreate,
		Payload:  json.RawMessage(`{"n":2}`),
		RemoteID: "r-2",
	})
	require.NoError(t, err)

	t.Run("RemoteIDResolves", func(t *testing.T) {
		env, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{"n":10}`),
			RemoteID: "r-1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.Message.RecordID, env.Message.RecordID)
		assert.Equal(t, int64(2), env.Version)
	})

	t.Run("RecordIDWithConsistentRemote", func(t *testing.T) {
		env, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{"n":11}`),
			RecordID: first.Message.RecordID,
			RemoteID: "r-1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.Message.RecordID, env.Message.RecordID)
		assert.Equal(t, int64(3), env.Version)
	})

	t.Run("DisagreeingRemoteConflicts", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{"n":12}`),
			RecordID: first.Message.RecordID,
			RemoteID: "r-2", // names the second record
		})
		assert.ErrorIs(t, err, ErrRemoteConflict)
	})

	t.Run("UpdateUnknownRecord", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{}`),
			RecordID: "no-such-record",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateUnboundRemote", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{}`),
			RemoteID: "r-404",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateOverLiveRecordConflicts", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodCreate,
			Payload:  json.RawMessage(`{}`),
			RecordID: second.Message.RecordID,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestDeleteAndResurrect(t *testing.T) {
	e, store := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	node := mustNode(t, e, network.ID, "node", true, true, true, true)

	created, err := e.Send(ctx, network.ID, node.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"name":"thing"}`),
	})
	require.NoError(t, err)
	recordID := created.Message.RecordID

	deleted, err := e.Send(ctx, network.ID, node.ID, SendInput{
		Method:   storage.MethodDelete,
		RecordID: recordID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted.Version)
	assert.Empty(t, deleted.Payload)

	record, err := store.GetRecord(ctx, network.ID, recordID)
	require.NoError(t, err)
	assert.True(t, record.Deleted)

	t.Run("UpdateDeletedIsGone", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodUpdate,
			Payload:  json.RawMessage(`{}`),
			RecordID: recordID,
		})
		assert.ErrorIs(t, err, ErrGone)
	})

	t.Run("DeleteDeletedIsGone", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodDelete,
			RecordID: recordID,
		})
		assert.ErrorIs(t, err, ErrGone)
	})

	t.Run("CreateResurrects", func(t *testing.T) {
		env, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:   storage.MethodCreate,
			Payload:  json.RawMessage(`{"name":"thing again"}`),
			RecordID: recordID,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), env.Version)

		record, err := store.GetRecord(ctx, network.ID, recordID)
		require.NoError(t, err)
		assert.False(t, record.Deleted)
	})
}

func TestFetchBeforeSendGate(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, true)
	n1 := mustNode(t, e, network.ID, "n1", true, true, true, true)
	n2 := mustNode(t, e, network.ID, "n2", true, true, true, true)

	for i := 1; i <= 2; i++ {
		_, err := e.Send(ctx, network.ID, n1.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)),
		})
		require.NoError(t, err)
	}

	// n2 must catch up before it may publish
	_, err := e.Send(ctx, network.ID, n2.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"v":3}`),
	})
	assert.ErrorIs(t, err, ErrFetchBeforeSend)

	// one message down, one to go
	env, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, env)

	_, err = e.Send(ctx, network.ID, n2.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"v":3}`),
	})
	assert.ErrorIs(t, err, ErrFetchBeforeSend)

	// only pending messages gate publishing; a claimed message awaiting
	// acknowledgement does not
	env, err = e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, env)

	_, err = e.Send(ctx, network.ID, n2.ID, SendInput{
		Method:  storage.MethodCreate,
		Payload: json.RawMessage(`{"v":3}`),
	})
	assert.NoError(t, err)
}

// ==================== Queue ====================

func TestFetchAckFail(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	n1 := mustNode(t, e, network.ID, "n1", true, true, true, true)
	n2 := mustNode(t, e, network.ID, "n2", true, true, true, true)

	for i := 1; i <= 2; i++ {
		_, err := e.Send(ctx, network.ID, n1.ID, SendInput{
			Method:   storage.MethodCreate,
			Payload:  json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			RemoteID: fmt.Sprintf("000%d", i),
		})
		require.NoError(t, err)
	}

	m1, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, m1)
	assert.Equal(t, storage.StateSent, m1.Message.State)
	assert.JSONEq(t, `{"seq":1}`, string(m1.Payload))

	m2, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.JSONEq(t, `{"seq":2}`, string(m2.Payload))

	empty, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	assert.Nil(t, empty)

	acked, err := e.Acknowledge(ctx, network.ID, n2.ID, m1.Message.ID, "local-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StateAcknowledged, acked.Message.State)
	assert.Equal(t, "local-1", acked.Message.RemoteID)

	failed, err := e.Fail(ctx, network.ID, n2.ID, m2.Message.ID, "cannot apply")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, failed.Message.State)
	assert.Equal(t, "cannot apply", failed.Message.Reason)

	t.Run("DoubleAck", func(t *testing.T) {
		_, err := e.Acknowledge(ctx, network.ID, n2.ID, m1.Message.ID, "")
		assert.ErrorIs(t, err, ErrState)
	})

	t.Run("FailAfterFail", func(t *testing.T) {
		_, err := e.Fail(ctx, network.ID, n2.ID, m2.Message.ID, "again")
		assert.ErrorIs(t, err, ErrState)
	})

	t.Run("AckUnknownMessage", func(t *testing.T) {
		_, err := e.Acknowledge(ctx, network.ID, n2.ID, "no-such-message", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AckSomeoneElsesMessage", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, n1.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{"seq":3}`),
		})
		require.NoError(t, err)
		claimed, err := e.Fetch(ctx, network.ID, n2.ID)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		_, err = e.Acknowledge(ctx, network.ID, n1.ID, claimed.Message.ID, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FetchByNonReader", func(t *testing.T) {
		writer := mustNode(t, e, network.ID, "writer", true, false, true, true)
		env, err := e.Fetch(ctx, network.ID, writer.ID)
		require.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("ReadRevokedHidesQueue", func(t *testing.T) {
		_, err := e.Send(ctx, network.ID, n1.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{"seq":4}`),
		})
		require.NoError(t, err)

		off := false
		_, err = e.UpdateNode(ctx, network.ID, n2.ID, NodePatch{Read: &off})
		require.NoError(t, err)

		env, err := e.Fetch(ctx, network.ID, n2.ID)
		require.NoError(t, err)
		assert.Nil(t, env)
	})
}

func TestConcurrentFetchExactlyOnce(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	n1 := mustNode(t, e, network.ID, "n1", true, true, true, true)
	n2 := mustNode(t, e, network.ID, "n2", true, true, true, true)

	const total = 12
	for i := 0; i < total; i++ {
		_, err := e.Send(ctx, network.ID, n1.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := e.Fetch(ctx, network.ID, n2.ID)
				if err != nil || env == nil {
					return
				}
				mu.Lock()
				seen[env.Message.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, times := range seen {
		assert.Equal(t, 1, times, "message %s fetched more than once", id)
	}
}

// ==================== Remote Translation ====================

func TestRemoteIDPropagation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	n1 := mustNode(t, e, network.ID, "n1", true, true, true, true)
	n2 := mustNode(t, e, network.ID, "n2", true, true, true, true)

	created, err := e.Send(ctx, network.ID, n1.ID, SendInput{
		Method:   storage.MethodCreate,
		Payload:  json.RawMessage(`{"v":1}`),
		RemoteID: "0001",
	})
	require.NoError(t, err)
	recordID := created.Message.RecordID

	// the publisher's own alias resolves the record on the follow-up
	updated, err := e.Send(ctx, network.ID, n1.ID, SendInput{
		Method:   storage.MethodUpdate,
		Payload:  json.RawMessage(`{"v":2}`),
		RemoteID: "0001",
	})
	require.NoError(t, err)
	require.Equal(t, recordID, updated.Message.RecordID)

	// fan-out excludes the origin
	none, err := e.Fetch(ctx, network.ID, n1.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	// n2 sees the create untranslated and acks under its own id
	m1, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, m1)
	assert.Empty(t, m1.Message.RemoteID)
	_, err = e.Acknowledge(ctx, network.ID, n2.ID, m1.Message.ID, "abcd")
	require.NoError(t, err)

	// the binding covers deliveries queued before it existed
	m2, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.Equal(t, "abcd", m2.Message.RemoteID)
	_, err = e.Acknowledge(ctx, network.ID, n2.ID, m2.Message.ID, "")
	require.NoError(t, err)

	// n2 addresses the record by its own id
	fromN2, err := e.Send(ctx, network.ID, n2.ID, SendInput{
		Method:   storage.MethodUpdate,
		Payload:  json.RawMessage(`{"v":3}`),
		RemoteID: "abcd",
	})
	require.NoError(t, err)
	assert.Equal(t, recordID, fromN2.Message.RecordID)
	assert.Equal(t, int64(3), fromN2.Version)

	// n1 receives it pre-translated to its own alias
	m3, err := e.Fetch(ctx, network.ID, n1.ID)
	require.NoError(t, err)
	require.NotNil(t, m3)
	assert.Equal(t, "0001", m3.Message.RemoteID)

	// a reseed re-delivers the head under n2's alias
	inserted, err := e.SyncNode(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	reseed, err := e.Fetch(ctx, network.ID, n2.ID)
	require.NoError(t, err)
	require.NotNil(t, reseed)
	assert.Equal(t, "abcd", reseed.Message.RemoteID)
	assert.Equal(t, storage.MethodCreate, reseed.Message.Method)
	assert.Empty(t, reseed.Message.OriginID)
	assert.JSONEq(t, `{"v":3}`, string(reseed.Payload))
}

// ==================== Reseed ====================

func TestSyncNode(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	network := mustNetwork(t, e, false)
	publisher := mustNode(t, e, network.ID, "publisher", true, true, true, true)

	var recordIDs []string
	for i := 1; i <= 3; i++ {
		env, err := e.Send(ctx, network.ID, publisher.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		recordIDs = append(recordIDs, env.Message.RecordID)
	}
	_, err := e.Send(ctx, network.ID, publisher.ID, SendInput{
		Method:   storage.MethodDelete,
		RecordID: recordIDs[2],
	})
	require.NoError(t, err)

	// a late joiner starts empty and is reseeded with the live records
	joiner := mustNode(t, e, network.ID, "joiner", true, true, true, true)

	inserted, err := e.SyncNode(ctx, network.ID, joiner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	t.Run("Idempotent", func(t *testing.T) {
		again, err := e.SyncNode(ctx, network.ID, joiner.ID)
		require.NoError(t, err)
		assert.Zero(t, again)

		count, err := e.HasPending(ctx, network.ID, joiner.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("FailedDeliveryIsRetried", func(t *testing.T) {
		env, err := e.Fetch(ctx, network.ID, joiner.ID)
		require.NoError(t, err)
		require.NotNil(t, env)
		_, err = e.Fail(ctx, network.ID, joiner.ID, env.Message.ID, "apply failed")
		require.NoError(t, err)

		inserted, err := e.SyncNode(ctx, network.ID, joiner.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, inserted)
	})

	t.Run("NonReaderGetsNothing", func(t *testing.T) {
		writer := mustNode(t, e, network.ID, "writer", true, false, true, true)
		inserted, err := e.SyncNode(ctx, network.ID, writer.ID)
		require.NoError(t, err)
		assert.Zero(t, inserted)
	})

	t.Run("UnknownNode", func(t *testing.T) {
		_, err := e.SyncNode(ctx, network.ID, "no-such-node")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// ==================== Publish Retry ====================

// flakyStore fails CommitPublish a fixed number of times before delegating,
// simulating lost head races.
type flakyStore struct {
	storage.Store
	failures int
	calls    int
}

func (f *flakyStore) CommitPublish(ctx context.Context, pub *storage.Publication) error {
	f.calls++
	if f.calls <= f.failures {
		return storage.ErrStaleRecord
	}
	return f.Store.CommitPublish(ctx, pub)
}

func TestSendRetriesLostHeadRace(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	t.Run("RecoversWithinRetryLimit", func(t *testing.T) {
		flaky := &flakyStore{Store: storage.NewMemoryStore(), failures: 2}
		e := New(flaky, Options{Logger: logger, PublishRetries: 5})

		network := mustNetwork(t, e, false)
		node := mustNode(t, e, network.ID, "node", true, true, true, true)

		env, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), env.Version)
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("GivesUpAfterRetryLimit", func(t *testing.T) {
		flaky := &flakyStore{Store: storage.NewMemoryStore(), failures: 100}
		e := New(flaky, Options{Logger: logger, PublishRetries: 3})

		network := mustNetwork(t, e, false)
		node := mustNode(t, e, network.ID, "node", true, true, true, true)

		_, err := e.Send(ctx, network.ID, node.ID, SendInput{
			Method:  storage.MethodCreate,
			Payload: json.RawMessage(`{}`),
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 3, flaky.calls)
	})
}

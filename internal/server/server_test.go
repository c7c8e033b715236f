package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Listen:   "127.0.0.1:0",
		LogLevel: "error",
		Storage:  config.StorageConfig{Backend: config.BackendMemory},
		Metrics:  config.MetricsConfig{Enable: true, Path: "/metrics"},
	}

	srv, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.store.Close() })
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

// brokerFixture is a network with two fully-capable nodes, mirroring the
// smallest useful deployment.
type brokerFixture struct {
	srv       *Server
	networkID string
	node1ID   string
	node2ID   string
	node1Hdrs map[string]string
	node2Hdrs map[string]string
}

func newBrokerFixture(t *testing.T, fetchBeforeSend bool) *brokerFixture {
	t.Helper()
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/admin/networks", nil, map[string]interface{}{
		"name":              "test",
		"fetch_before_send": fetchBeforeSend,
		"schema": map[string]interface{}{
			"title": "Example Schema",
			"type":  "object",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var network networkBody
	decodeBody(t, rec, &network)

	fixture := &brokerFixture{srv: srv, networkID: network.ID}
	fixture.node1ID = fixture.createNode(t, "node 1")
	fixture.node2ID = fixture.createNode(t, "node 2")
	fixture.node1Hdrs = map[string]string{headerNetworkID: network.ID, headerNodeID: fixture.node1ID}
	fixture.node2Hdrs = map[string]string{headerNetworkID: network.ID, headerNodeID: fixture.node2ID}
	return fixture
}

func (f *brokerFixture) createNode(t *testing.T, name string) string {
	t.Helper()
	rec := doRequest(t, f.srv, http.MethodPost, "/admin/networks/"+f.networkID+"/nodes", nil, map[string]interface{}{
		"name":   name,
		"create": true,
		"read":   true,
		"update": true,
		"delete": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var node storage.Node
	decodeBody(t, rec, &node)
	require.NotEmpty(t, node.ID)
	return node.ID
}

func (f *brokerFixture) send(t *testing.T, headers map[string]string, body map[string]interface{}) (messageBody, *httptest.ResponseRecorder) {
	t.Helper()
	rec := doRequest(t, f.srv, http.MethodPost, "/messages", headers, body)
	var message messageBody
	if rec.Code == http.StatusCreated {
		decodeBody(t, rec, &message)
	}
	return message, rec
}

func (f *brokerFixture) fetch(t *testing.T, headers map[string]string) (messageBody, *httptest.ResponseRecorder) {
	t.Helper()
	rec := doRequest(t, f.srv, http.MethodPost, "/messages/next", headers, nil)
	var message messageBody
	if rec.Code == http.StatusOK {
		decodeBody(t, rec, &message)
	}
	return message, rec
}

func (f *brokerFixture) pending(t *testing.T, headers map[string]string) string {
	t.Helper()
	rec := doRequest(t, f.srv, http.MethodGet, "/messages/pending", headers, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return strings.TrimSpace(rec.Body.String())
}

func TestMessageHeaders(t *testing.T) {
	fixture := newBrokerFixture(t, true)

	t.Run("MissingNodeHeader", func(t *testing.T) {
		rec := doRequest(t, fixture.srv, http.MethodGet, "/messages/pending",
			map[string]string{headerNetworkID: fixture.networkID}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingNetworkHeader", func(t *testing.T) {
		rec := doRequest(t, fixture.srv, http.MethodGet, "/messages/pending",
			map[string]string{headerNodeID: fixture.node1ID}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownNetwork", func(t *testing.T) {
		rec := doRequest(t, fixture.srv, http.MethodGet, "/messages/pending",
			map[string]string{headerNetworkID: "foo", headerNodeID: fixture.node1ID}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("UnknownNode", func(t *testing.T) {
		rec := doRequest(t, fixture.srv, http.MethodGet, "/messages/pending",
			map[string]string{headerNetworkID: fixture.networkID, headerNodeID: "foo"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPendingCounter(t *testing.T) {
	fixture := newBrokerFixture(t, true)

	assert.Equal(t, "0", fixture.pending(t, fixture.node2Hdrs))

	_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "create",
		"payload":   map[string]string{"firstName": "test", "lastName": "test"},
		"remote_id": "0001",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", fixture.pending(t, fixture.node2Hdrs))

	_, rec = fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "create",
		"payload":   map[string]string{"firstName": "test", "lastName": "test"},
		"remote_id": "0002",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", fixture.pending(t, fixture.node2Hdrs))
}

func TestSendAndResolve(t *testing.T) {
	fixture := newBrokerFixture(t, true)

	for _, remoteID := range []string{"1", "2"} {
		_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "create",
			"payload":   map[string]string{"firstName": "test", "lastName": "test"},
			"remote_id": remoteID,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	message1, rec := fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.StateSent, message1.State)

	message2, rec := fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEqual(t, message1.ID, message2.ID)

	_, rec = fixture.fetch(t, fixture.node2Hdrs)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, fixture.srv, http.MethodPatch, "/messages/"+message1.ID, fixture.node2Hdrs,
		map[string]interface{}{"success": true, "remote_id": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved messageBody
	decodeBody(t, rec, &resolved)
	assert.Equal(t, storage.StateAcknowledged, resolved.State)

	rec = doRequest(t, fixture.srv, http.MethodPatch, "/messages/"+message2.ID, fixture.node2Hdrs,
		map[string]interface{}{"success": false, "reason": "This is a reason."})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resolved)
	assert.Equal(t, storage.StateFailed, resolved.State)
	assert.Equal(t, "This is a reason.", resolved.Reason)

	_, rec = fixture.fetch(t, fixture.node2Hdrs)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRemoteIDPropagation(t *testing.T) {
	fixture := newBrokerFixture(t, true)

	// Node 1 creates a record under its own alias, then updates through it.
	_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "create",
		"payload":   map[string]string{"firstName": "test", "lastName": "test"},
		"remote_id": "0001",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	_, rec = fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "update",
		"payload":   map[string]string{"firstName": "test", "lastName": "test"},
		"remote_id": "0001",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Fan-out excludes the origin.
	_, rec = fixture.fetch(t, fixture.node1Hdrs)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Node 2 claims the create and acknowledges under its own alias.
	message, rec := fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, message.RemoteID)

	rec = doRequest(t, fixture.srv, http.MethodPatch, "/messages/"+message.ID, fixture.node2Hdrs,
		map[string]interface{}{"success": true, "remote_id": "abcd"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The queued update now carries the alias bound by the ack.
	message, rec = fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcd", message.RemoteID)

	rec = doRequest(t, fixture.srv, http.MethodPatch, "/messages/"+message.ID, fixture.node2Hdrs,
		map[string]interface{}{"success": true})
	require.Equal(t, http.StatusOK, rec.Code)

	// Node 2 publishes through its alias; same record, new version.
	_, rec = fixture.send(t, fixture.node2Hdrs, map[string]interface{}{
		"method":    "update",
		"payload":   map[string]string{"firstName": "changed", "lastName": "changed"},
		"remote_id": "abcd",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// A reseed re-delivers the record head, still under node 2's alias.
	rec = doRequest(t, fixture.srv, http.MethodPost,
		"/admin/networks/"+fixture.networkID+"/nodes/"+fixture.node2ID+"/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	message, rec = fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcd", message.RemoteID)
	assert.Equal(t, storage.MethodCreate, message.Method)
}

func TestCapabilityGate(t *testing.T) {
	fixture := newBrokerFixture(t, false)

	rec := doRequest(t, fixture.srv, http.MethodPost, "/admin/networks/"+fixture.networkID+"/nodes", nil,
		map[string]interface{}{"name": "read only", "read": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var readOnly storage.Node
	decodeBody(t, rec, &readOnly)
	readOnlyHdrs := map[string]string{headerNetworkID: fixture.networkID, headerNodeID: readOnly.ID}

	rec = doRequest(t, fixture.srv, http.MethodPost, "/messages", readOnlyHdrs, map[string]interface{}{
		"method":  "create",
		"payload": map[string]string{"firstName": "denied"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Nothing was persisted: no fan-out reached the other nodes.
	assert.Equal(t, "0", fixture.pending(t, fixture.node1Hdrs))
	assert.Equal(t, "0", fixture.pending(t, fixture.node2Hdrs))
}

func TestFetchBeforeSendGate(t *testing.T) {
	fixture := newBrokerFixture(t, true)

	_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "create",
		"payload":   map[string]string{"firstName": "test", "lastName": "test"},
		"remote_id": "0001",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Node 2 must drain its queue before it may publish.
	_, rec = fixture.send(t, fixture.node2Hdrs, map[string]interface{}{
		"method":  "create",
		"payload": map[string]string{"firstName": "blocked"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, rec = fixture.fetch(t, fixture.node2Hdrs)
	require.Equal(t, http.StatusOK, rec.Code)

	// The gate counts pending deliveries only; a claimed message no longer
	// blocks the publish.
	_, rec = fixture.send(t, fixture.node2Hdrs, map[string]interface{}{
		"method":  "create",
		"payload": map[string]string{"firstName": "allowed"},
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSendValidation(t *testing.T) {
	fixture := newBrokerFixture(t, false)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"UnknownMethod", map[string]interface{}{"method": "bogus", "payload": map[string]string{"a": "b"}}},
		{"CreateWithoutPayload", map[string]interface{}{"method": "create"}},
		{"PayloadNotAnObject", map[string]interface{}{"method": "create", "payload": []int{1, 2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, fixture.srv, http.MethodPost, "/messages", fixture.node1Hdrs, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("ResolveWithoutSuccess", func(t *testing.T) {
		rec := doRequest(t, fixture.srv, http.MethodPatch, "/messages/some-id", fixture.node1Hdrs,
			map[string]interface{}{"remote_id": "1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{"))
		for key, value := range fixture.node1Hdrs {
			req.Header.Set(key, value)
		}
		rec := httptest.NewRecorder()
		fixture.srv.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestConflictStatuses(t *testing.T) {
	fixture := newBrokerFixture(t, false)

	created, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
		"method":    "create",
		"payload":   map[string]string{"firstName": "one"},
		"remote_id": "0001",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("CreateOverLiveRecord", func(t *testing.T) {
		_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "create",
			"payload":   map[string]string{"firstName": "dup"},
			"record_id": created.RecordID,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("DisagreeingRemoteID", func(t *testing.T) {
		_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "create",
			"payload":   map[string]string{"firstName": "two"},
			"remote_id": "0002",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		_, rec = fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "update",
			"payload":   map[string]string{"firstName": "clash"},
			"record_id": created.RecordID,
			"remote_id": "0002",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("UpdateAfterDelete", func(t *testing.T) {
		_, rec := fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "delete",
			"record_id": created.RecordID,
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		_, rec = fixture.send(t, fixture.node1Hdrs, map[string]interface{}{
			"method":    "update",
			"payload":   map[string]string{"firstName": "late"},
			"record_id": created.RecordID,
		})
		assert.Equal(t, http.StatusGone, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = doRequest(t, srv, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestReadyAfterClose(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.store.Close())

	rec := doRequest(t, srv, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/admin/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusBody
	decodeBody(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, config.BackendMemory, status.Backend)
	assert.NotNil(t, status.Requests)
	assert.NotNil(t, status.Runtime)
	assert.GreaterOrEqual(t, status.Uptime, int64(0))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Generate at least one sample so the counters materialize.
	doRequest(t, srv, http.MethodGet, "/health", nil, nil)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "syncmesh_http_requests_total")
}

func TestTraceHeaderOnResponses(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

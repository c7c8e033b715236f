package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/syncmesh/syncmesh/internal/engine"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// Scope headers on the message routes. Admin routes carry the same scope in
// the path instead.
const (
	headerNetworkID = "X-Sync-Network-Id"
	headerNodeID    = "X-Sync-Node-Id"
)

// requestScope is the verified (network, node) pair a message operation runs
// under.
type requestScope struct {
	network *storage.Network
	node    *storage.Node
}

type scopedHandler func(w http.ResponseWriter, r *http.Request, scope requestScope)

// withScope resolves the X-Sync headers: 400 when either is missing, 404
// when either names nothing.
func (s *Server) withScope(next scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		networkID := r.Header.Get(headerNetworkID)
		nodeID := r.Header.Get(headerNodeID)
		if networkID == "" || nodeID == "" {
			s.writeError(w, "X-Sync-Network-Id and X-Sync-Node-Id headers are required", http.StatusBadRequest)
			return
		}

		network, err := s.engine.GetNetwork(r.Context(), networkID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		node, err := s.engine.GetNode(r.Context(), networkID, nodeID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}

		next(w, r, requestScope{network: network, node: node})
	}
}

// messageBody is the wire form of a delivery: the message row hydrated with
// the version and payload of the change it carries.
type messageBody struct {
	ID            string               `json:"id"`
	NetworkID     string               `json:"network_id"`
	OriginID      string               `json:"origin_id,omitempty"`
	DestinationID string               `json:"destination_id"`
	RecordID      string               `json:"record_id"`
	ChangeID      string               `json:"change_id"`
	ParentID      string               `json:"parent_id,omitempty"`
	Method        storage.Method       `json:"method"`
	RemoteID      string               `json:"remote_id,omitempty"`
	State         storage.MessageState `json:"state"`
	Reason        string               `json:"reason,omitempty"`
	Version       int64                `json:"version"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Deliveries    int                  `json:"deliveries,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func messageFromEnvelope(env *engine.Envelope) messageBody {
	m := env.Message
	return messageBody{
		ID:            m.ID,
		NetworkID:     m.NetworkID,
		OriginID:      m.OriginID,
		DestinationID: m.DestinationID,
		RecordID:      m.RecordID,
		ChangeID:      m.ChangeID,
		ParentID:      m.ParentID,
		Method:        m.Method,
		RemoteID:      m.RemoteID,
		State:         m.State,
		Reason:        m.Reason,
		Version:       env.Version,
		Payload:       env.Payload,
		Deliveries:    env.Deliveries,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// handleSendMessage publishes a change on behalf of the scope's node.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, scope requestScope) {
	var body struct {
		Method   storage.Method  `json:"method"`
		Payload  json.RawMessage `json:"payload"`
		RecordID string          `json:"record_id"`
		RemoteID string          `json:"remote_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(body.Payload) > 0 && !isJSONObject(body.Payload) {
		s.writeError(w, "payload must be a JSON object", http.StatusBadRequest)
		return
	}

	start := time.Now()
	env, err := s.engine.Send(r.Context(), scope.network.ID, scope.node.ID, engine.SendInput{
		Method:   body.Method,
		Payload:  body.Payload,
		RecordID: body.RecordID,
		RemoteID: body.RemoteID,
	})
	s.metricsManager.RecordPublish(string(body.Method), err == nil, time.Since(start))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.metricsManager.RecordFanOut(env.Deliveries)
	s.writeJSON(w, http.StatusCreated, messageFromEnvelope(env))
}

// isJSONObject reports whether raw is a JSON object. Record payloads are
// object-shaped; schema conformance stays with the clients.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(raw)
}

// handleFetchNext claims the scope node's oldest pending message. 204 means
// the queue is drained.
func (s *Server) handleFetchNext(w http.ResponseWriter, r *http.Request, scope requestScope) {
	env, err := s.engine.Fetch(r.Context(), scope.network.ID, scope.node.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.metricsManager.RecordFetch(env != nil)
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, messageFromEnvelope(env))
}

// handleResolveMessage acknowledges or fails a sent message, per the
// request's success flag.
func (s *Server) handleResolveMessage(w http.ResponseWriter, r *http.Request, scope requestScope) {
	var body struct {
		Success  *bool  `json:"success"`
		RemoteID string `json:"remote_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Success == nil {
		s.writeError(w, "success is required", http.StatusBadRequest)
		return
	}

	messageID := mux.Vars(r)["id"]

	var env *engine.Envelope
	var err error
	if *body.Success {
		env, err = s.engine.Acknowledge(r.Context(), scope.network.ID, scope.node.ID, messageID, body.RemoteID)
	} else {
		env, err = s.engine.Fail(r.Context(), scope.network.ID, scope.node.ID, messageID, body.Reason)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.metricsManager.RecordResolution(string(env.Message.State))
	s.writeJSON(w, http.StatusOK, messageFromEnvelope(env))
}

// handlePendingCount answers with the bare number of messages waiting for
// the scope's node.
func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request, scope requestScope) {
	count, err := s.engine.HasPending(r.Context(), scope.network.ID, scope.node.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, count)
}

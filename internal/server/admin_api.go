package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/syncmesh/syncmesh/internal/engine"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// networkBody is the admin wire form of a network: the entity with its nodes
// embedded, so one read shows the whole membership.
type networkBody struct {
	storage.Network
	Nodes []*storage.Node `json:"nodes"`
}

func (s *Server) networkWithNodes(r *http.Request, network *storage.Network) (networkBody, error) {
	nodes, err := s.engine.ListNodes(r.Context(), network.ID)
	if err != nil {
		return networkBody{}, err
	}
	if nodes == nil {
		nodes = []*storage.Node{}
	}
	return networkBody{Network: *network, Nodes: nodes}, nil
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string          `json:"name"`
		FetchBeforeSend bool            `json:"fetch_before_send"`
		Schema          json.RawMessage `json:"schema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	network, err := s.engine.CreateNetwork(r.Context(), engine.CreateNetworkInput{
		Name:            body.Name,
		FetchBeforeSend: body.FetchBeforeSend,
		Schema:          body.Schema,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, networkBody{Network: *network, Nodes: []*storage.Node{}})
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.engine.ListNetworks(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if networks == nil {
		networks = []*storage.Network{}
	}
	s.writeJSON(w, http.StatusOK, networks)
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	network, err := s.engine.GetNetwork(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	response, err := s.networkWithNodes(r, network)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePatchNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            *string         `json:"name"`
		FetchBeforeSend *bool           `json:"fetch_before_send"`
		Schema          json.RawMessage `json:"schema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	network, err := s.engine.UpdateNetwork(r.Context(), mux.Vars(r)["id"], engine.NetworkPatch{
		Name:            body.Name,
		FetchBeforeSend: body.FetchBeforeSend,
		Schema:          body.Schema,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	response, err := s.networkWithNodes(r, network)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Create bool   `json:"create"`
		Read   bool   `json:"read"`
		Update bool   `json:"update"`
		Delete bool   `json:"delete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	node, err := s.engine.CreateNode(r.Context(), mux.Vars(r)["nid"], engine.CreateNodeInput{
		Name:   body.Name,
		Create: body.Create,
		Read:   body.Read,
		Update: body.Update,
		Delete: body.Delete,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.ListNodes(r.Context(), mux.Vars(r)["nid"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*storage.Node{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node, err := s.engine.GetNode(r.Context(), vars["nid"], vars["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   *string `json:"name"`
		Create *bool   `json:"create"`
		Read   *bool   `json:"read"`
		Update *bool   `json:"update"`
		Delete *bool   `json:"delete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	node, err := s.engine.UpdateNode(r.Context(), vars["nid"], vars["id"], engine.NodePatch{
		Name:   body.Name,
		Create: body.Create,
		Read:   body.Read,
		Update: body.Update,
		Delete: body.Delete,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

// handleSyncNode reseeds a node's queue with every live record it has not
// yet acknowledged or has failed.
func (s *Server) handleSyncNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inserted, err := s.engine.SyncNode(r.Context(), vars["nid"], vars["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.metricsManager.RecordReseed(inserted)
	s.writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/ident"
	"github.com/syncmesh/syncmesh/internal/storage"
)

// CreateNetworkInput carries the fields of a new network.
type CreateNetworkInput struct {
	Name            string
	FetchBeforeSend bool
	Schema          json.RawMessage
}

// NetworkPatch updates a network. Nil fields keep their current value.
type NetworkPatch struct {
	Name            *string
	FetchBeforeSend *bool
	Schema          json.RawMessage
}

// CreateNodeInput carries the fields of a new node. Omitted capability flags
// default to false.
type CreateNodeInput struct {
	Name   string
	Create bool
	Read   bool
	Update bool
	Delete bool
}

// NodePatch updates a node. Nil fields keep their current value.
type NodePatch struct {
	Name   *string
	Create *bool
	Read   *bool
	Update *bool
	Delete *bool
}

// CreateNetwork registers a new synchronization domain.
func (e *Engine) CreateNetwork(ctx context.Context, in CreateNetworkInput) (*storage.Network, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: network name is required", ErrValidation)
	}
	if err := validSchema(in.Schema); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	network := &storage.Network{
		ID:              ident.New(),
		Name:            in.Name,
		FetchBeforeSend: in.FetchBeforeSend,
		Schema:          in.Schema,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateNetwork(ctx, network); err != nil {
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id":        network.ID,
		"name":              network.Name,
		"fetch_before_send": network.FetchBeforeSend,
	}).Info("Network created")
	return network, nil
}

// GetNetwork returns a network by id.
func (e *Engine) GetNetwork(ctx context.Context, networkID string) (*storage.Network, error) {
	network, err := e.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, coerce(err)
	}
	return network, nil
}

// ListNetworks returns every network ordered by creation time.
func (e *Engine) ListNetworks(ctx context.Context) ([]*storage.Network, error) {
	networks, err := e.store.ListNetworks(ctx)
	if err != nil {
		return nil, coerce(err)
	}
	return networks, nil
}

// UpdateNetwork applies a partial update to a network.
func (e *Engine) UpdateNetwork(ctx context.Context, networkID string, patch NetworkPatch) (*storage.Network, error) {
	network, err := e.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, coerce(err)
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("%w: network name cannot be empty", ErrValidation)
		}
		network.Name = *patch.Name
	}
	if patch.FetchBeforeSend != nil {
		network.FetchBeforeSend = *patch.FetchBeforeSend
	}
	if patch.Schema != nil {
		if err := validSchema(patch.Schema); err != nil {
			return nil, err
		}
		network.Schema = patch.Schema
	}
	network.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateNetwork(ctx, network); err != nil {
		return nil, coerce(err)
	}
	e.logger.WithField("network_id", network.ID).Info("Network updated")
	return network, nil
}

// CreateNode registers a new participant in a network.
func (e *Engine) CreateNode(ctx context.Context, networkID string, in CreateNodeInput) (*storage.Node, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: node name is required", ErrValidation)
	}
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return nil, coerce(err)
	}

	now := time.Now().UTC()
	node := &storage.Node{
		ID:        ident.New(),
		NetworkID: networkID,
		Name:      in.Name,
		Create:    in.Create,
		Read:      in.Read,
		Update:    in.Update,
		Delete:    in.Delete,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateNode(ctx, node); err != nil {
		return nil, coerce(err)
	}

	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    node.ID,
		"name":       node.Name,
	}).Info("Node created")
	return node, nil
}

// GetNode returns a node by id within a network.
func (e *Engine) GetNode(ctx context.Context, networkID, nodeID string) (*storage.Node, error) {
	node, err := e.store.GetNode(ctx, networkID, nodeID)
	if err != nil {
		return nil, coerce(err)
	}
	return node, nil
}

// ListNodes returns every node in a network ordered by creation time.
func (e *Engine) ListNodes(ctx context.Context, networkID string) ([]*storage.Node, error) {
	if _, err := e.store.GetNetwork(ctx, networkID); err != nil {
		return nil, coerce(err)
	}
	nodes, err := e.store.ListNodes(ctx, networkID)
	if err != nil {
		return nil, coerce(err)
	}
	return nodes, nil
}

// UpdateNode applies a partial update to a node's name and capability flags.
func (e *Engine) UpdateNode(ctx context.Context, networkID, nodeID string, patch NodePatch) (*storage.Node, error) {
	node, err := e.store.GetNode(ctx, networkID, nodeID)
	if err != nil {
		return nil, coerce(err)
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("%w: node name cannot be empty", ErrValidation)
		}
		node.Name = *patch.Name
	}
	if patch.Create != nil {
		node.Create = *patch.Create
	}
	if patch.Read != nil {
		node.Read = *patch.Read
	}
	if patch.Update != nil {
		node.Update = *patch.Update
	}
	if patch.Delete != nil {
		node.Delete = *patch.Delete
	}
	node.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateNode(ctx, node); err != nil {
		return nil, coerce(err)
	}
	e.logger.WithFields(logrus.Fields{
		"network_id": networkID,
		"node_id":    node.ID,
	}).Info("Node updated")
	return node, nil
}

// validSchema accepts an absent schema or any well-formed JSON document. The
// broker stores schemas verbatim for clients; it never evaluates them.
func validSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if !json.Valid(schema) {
		return fmt.Errorf("%w: schema is not valid JSON", ErrValidation)
	}
	return nil
}

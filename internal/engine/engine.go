// Package engine implements the synchronization broker: record and change
// management, per-node delivery queues, fan-out on publish, remote-id
// translation and queue reseeds. It speaks to persistence only through
// storage.Store, so every backend carries the same semantics.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/storage"
)

// defaultPublishRetries bounds the read-build-commit loop a publish runs when
// it keeps losing the record head race.
const defaultPublishRetries = 5

// Engine exposes the broker operations. All methods are safe for concurrent
// use; the store provides the atomicity the composites need.
type Engine struct {
	store          storage.Store
	logger         *logrus.Logger
	publishRetries int
}

// Options configures an Engine.
type Options struct {
	Logger *logrus.Logger

	// PublishRetries bounds how often a publish retries after losing the
	// record head compare-and-set. Zero selects the default.
	PublishRetries int
}

// New creates an Engine over the given store.
func New(store storage.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = defaultPublishRetries
	}
	return &Engine{
		store:          store,
		logger:         opts.Logger,
		publishRetries: opts.PublishRetries,
	}
}

// Envelope is the wire view of a message: the delivery row hydrated with the
// version and payload of the change it carries.
type Envelope struct {
	Message *storage.Message
	Version int64
	Payload json.RawMessage

	// Deliveries is the number of fan-out messages the publish created.
	// Only set on envelopes returned by Send.
	Deliveries int
}

// envelope hydrates a message with its change.
func (e *Engine) envelope(ctx context.Context, message *storage.Message) (*Envelope, error) {
	change, err := e.store.GetChange(ctx, message.NetworkID, message.ChangeID)
	if err != nil {
		return nil, coerce(err)
	}
	return &Envelope{Message: message, Version: change.Version, Payload: change.Payload}, nil
}

// authorize checks the capability flag guarding a publish method.
func authorize(node *storage.Node, method storage.Method) error {
	var allowed bool
	switch method {
	case storage.MethodCreate:
		allowed = node.Create
	case storage.MethodUpdate:
		allowed = node.Update
	case storage.MethodDelete:
		allowed = node.Delete
	}
	if !allowed {
		return fmt.Errorf("%w: node %s may not publish %s changes", ErrNotAuthorized, node.ID, method)
	}
	return nil
}

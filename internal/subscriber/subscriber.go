// Package subscriber implements the remote-event consumer: it decodes
// events published by every node (including, transiently, this one),
// filters out this node's own echoes, and applies genuinely remote
// mutations to the local filesystem after a content-hash comparison rules
// out redundant rewrites.
package subscriber

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fssync/fssync/internal/fsadapter"
	"github.com/fssync/fssync/internal/logging"
	"github.com/fssync/fssync/internal/wire"
)

// Message is the minimal shape of a broker pub/sub message this package
// needs, decoupled from the concrete broker client type so it can be
// tested without a live broker.
type Message struct {
	Payload []byte
}

// MessageSource yields the single channel of incoming pub/sub messages.
// broker.NewPubSubSource adapts a *redis.PubSub into one.
type MessageSource interface {
	Messages() <-chan Message
	Close() error
}

// FetchApplier is the subset of the Broker Store the Subscriber needs to
// fetch remote content.
type FetchApplier interface {
	FetchContent(ctx context.Context, path string) ([]byte, error)
}

// Subscriber consumes the file_event stream for one node.
type Subscriber struct {
	nodeID    uint64
	compareID uint64 // normally == nodeID; disable_dedup perturbs this
	store     FetchApplier
	localHash func(path string) (uint64, error)
	write     func(path string, content []byte) error
	remove    func(path string) error
	rename    func(oldPath, newPath string) error
}

// New constructs a Subscriber. disableDedup, when true, perturbs the id
// used for self-echo comparison so the node treats its own events as
// foreign - a debugging aid for running multiple processes against one
// local tree.
func New(nodeID uint64, store FetchApplier, disableDedup bool) *Subscriber {
	compareID := nodeID
	if disableDedup {
		compareID = nodeID ^ 1
	}
	return &Subscriber{
		nodeID:    nodeID,
		compareID: compareID,
		store:     store,
		localHash: fsadapter.LocalHash,
		write:     fsadapter.Write,
		remove:    fsadapter.Remove,
		rename:    fsadapter.Rename,
	}
}

// Run consumes src in order on a single goroutine until ctx is cancelled or
// src closes, which is fatal to this worker.
func (s *Subscriber) Run(ctx context.Context, src MessageSource) error {
	defer src.Close()
	messages := src.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("subscriber: message channel closed")
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg Message) {
	payload, err := wire.Decode(msg.Payload)
	if err != nil {
		logging.Errorf(nil, "failed to decode event payload: %v", err)
		return
	}

	switch p := payload.(type) {
	case wire.NewFile:
		s.applyContentEvent(ctx, p.EmitterID, p.Path, p.Hash)
	case wire.ModifiedFile:
		s.applyContentEvent(ctx, p.EmitterID, p.Path, p.Hash)
	case wire.RemovedFile:
		if p.EmitterID == s.compareID {
			return
		}
		if err := s.remove(p.Path); err != nil {
			logging.Errorf(p.Path, "failed to apply remove (may already be absent): %v", err)
		}
	case wire.RenamedFile:
		if p.EmitterID == s.compareID {
			return
		}
		if err := s.rename(p.OldPath, p.NewPath); err != nil {
			logging.Errorf(p.NewPath, "failed to apply rename from %q: %v", p.OldPath, err)
		}
	default:
		logging.Errorf(nil, "decoded payload of unrecognized type %T", payload)
	}
}

// applyContentEvent implements the shared NewFile/ModifiedFile path: skip
// this node's own echoes, then skip applying if the local file already
// matches the remote hash, which stops a converged pair of nodes from
// rewriting each other back and forth.
func (s *Subscriber) applyContentEvent(ctx context.Context, emitterID uint64, path string, remoteHash uint64) {
	if emitterID == s.compareID {
		return
	}

	local, err := s.localHash(path)
	mismatch := err != nil || local != remoteHash
	if !mismatch {
		return
	}

	content, err := s.store.FetchContent(ctx, path)
	if err != nil {
		logging.Errorf(path, "failed to fetch remote content: %v", err)
		return
	}
	if err := s.write(path, content); err != nil {
		logging.Errorf(path, "failed to write fetched content: %v", err)
	}
}

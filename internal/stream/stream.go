// Package stream delivers live data-stream assets over GossipSub. Each
// stream asset maps to one pubsub topic; publishers attach their DID and a
// possession proof to every envelope so subscribers can verify provenance
// without a round trip.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("dmn-stream")

// TopicPrefix is the prefix for all marketplace stream topics.
const TopicPrefix = "/datamarketnetwork/streams/"

// ErrUnknownSubscription is returned when cancelling a subscription ID the
// bus does not hold.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Envelope is the wire format for one stream message.
type Envelope struct {
	StreamID    string    `json:"stream_id"`
	DID         string    `json:"did"`
	Proof       string    `json:"proof"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// Handler receives verified stream envelopes.
type Handler func(env *Envelope)

// Validator vets an incoming envelope before delivery. A non-nil error drops
// the message.
type Validator func(env *Envelope) error

// Bus publishes and subscribes to stream assets.
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	Subscribe(streamID string, handler Handler) (string, error)
	Unsubscribe(subID string) error
	Close() error
}

// TopicName returns the full pubsub topic for a stream ID.
func TopicName(streamID string) string {
	return TopicPrefix + streamID
}

// StreamFromTopic extracts the stream ID from a topic name.
func StreamFromTopic(topicName string) string {
	if len(topicName) <= len(TopicPrefix) {
		return ""
	}
	return topicName[len(TopicPrefix):]
}

// ValidateListenAddrs parses multiaddr listen strings, failing on the first
// invalid one.
func ValidateListenAddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		out = append(out, ma)
	}
	return out, nil
}

type subscription struct {
	streamID string
	sub      *pubsub.Subscription
	cancel   context.CancelFunc
}

// PubSubBus is the GossipSub-backed Bus.
type PubSubBus struct {
	ctx       context.Context
	ps        *pubsub.PubSub
	validator Validator

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*subscription
}

// NewPubSubBus wraps a GossipSub instance. The validator may be nil, in
// which case all envelopes are delivered.
func NewPubSubBus(ctx context.Context, ps *pubsub.PubSub, validator Validator) *PubSubBus {
	return &PubSubBus{
		ctx:       ctx,
		ps:        ps,
		validator: validator,
		topics:    make(map[string]*pubsub.Topic),
		subs:      make(map[string]*subscription),
	}
}

func (b *PubSubBus) topicFor(streamID string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[streamID]; ok {
		return t, nil
	}
	t, err := b.ps.Join(TopicName(streamID))
	if err != nil {
		return nil, fmt.Errorf("failed to join topic for stream %s: %w", streamID, err)
	}
	b.topics[streamID] = t
	return t, nil
}

// Publish sends an envelope on its stream's topic.
func (b *PubSubBus) Publish(ctx context.Context, env *Envelope) error {
	topic, err := b.topicFor(env.StreamID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode stream envelope: %w", err)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", env.StreamID, err)
	}
	log.Debugf("Published %d bytes to stream %s", len(env.Payload), env.StreamID)
	return nil
}

// Subscribe delivers envelopes from a stream to handler until Unsubscribe or
// Close. It returns an opaque subscription ID.
func (b *PubSubBus) Subscribe(streamID string, handler Handler) (string, error) {
	topic, err := b.topicFor(streamID)
	if err != nil {
		return "", err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to stream %s: %w", streamID, err)
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		sub.Cancel()
		return "", fmt.Errorf("failed to generate subscription id: %w", err)
	}
	subID := hex.EncodeToString(idBytes)

	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.subs[subID] = &subscription{streamID: streamID, sub: sub, cancel: cancel}
	b.mu.Unlock()

	go b.deliver(ctx, streamID, sub, handler)

	log.Debugf("Subscribed %s to stream %s", subID, streamID)
	return subID, nil
}

func (b *PubSubBus) deliver(ctx context.Context, streamID string, sub *pubsub.Subscription, handler Handler) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warnf("Dropping malformed message on stream %s: %v", streamID, err)
			continue
		}
		if env.StreamID != streamID {
			log.Warnf("Dropping envelope claiming stream %s received on %s", env.StreamID, streamID)
			continue
		}
		if b.validator != nil {
			if err := b.validator(&env); err != nil {
				log.Warnf("Dropping unverified envelope on stream %s from %s: %v", streamID, env.DID, err)
				continue
			}
		}
		handler(&env)
	}
}

// Unsubscribe cancels a subscription by ID.
func (b *PubSubBus) Unsubscribe(subID string) error {
	b.mu.Lock()
	s, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, subID)
	}
	s.cancel()
	s.sub.Cancel()
	return nil
}

// Close cancels all subscriptions and leaves all topics.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs {
		s.cancel()
		s.sub.Cancel()
		delete(b.subs, id)
	}
	for id, t := range b.topics {
		t.Close()
		delete(b.topics, id)
	}
	return nil
}

package p2p

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang/snappy"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ValidationResult mirrors go-libp2p-pubsub's own three-way validator
// outcome, kept as a local type so this package's public API doesn't leak a
// pubsub import into every caller.
type ValidationResult int

const (
	ValidationAccept ValidationResult = iota
	ValidationIgnore
	ValidationReject
)

func (v ValidationResult) String() string {
	switch v {
	case ValidationAccept:
		return "accept"
	case ValidationIgnore:
		return "ignore"
	case ValidationReject:
		return "reject"
	default:
		return "unknown"
	}
}

func (v ValidationResult) toPubsub() pubsub.ValidationResult {
	switch v {
	case ValidationAccept:
		return pubsub.ValidationAccept
	case ValidationReject:
		return pubsub.ValidationReject
	default:
		return pubsub.ValidationIgnore
	}
}

// MessageValidator decompresses and decodes a raw gossip payload and
// decides whether to accept, ignore, or reject it. decoded is passed
// through to the caller's handler only on Accept.
type MessageValidator func(ctx context.Context, from peer.ID, decoded []byte) (ValidationResult, error)

// MessageHandler is invoked for every Accept-ed message on a topic, after
// the validator has already run.
type MessageHandler func(ctx context.Context, from peer.ID, decoded []byte)

const (
	gossipDomainValid           = "\x01\x00\x00\x00"
	snappyMaxGossipDecompressed = 10 << 20 // bound a hostile peer's claimed decompressed size

	// gossipIDLength is the number of leading hash bytes the message id
	// keeps, matching the network-wide 20-byte message-id convention.
	gossipIDLength = 20

	// phase0TopicPrefix marks a topic as belonging to the legacy scheme,
	// whose message id omits the topic and its length entirely.
	phase0TopicPrefix = "/eth2/phase0/"
)

// gossipMsgIDFn implements the domain-separated message-id function:
// sha256(domain || topic-length-LE64 || topic || decompressed-payload),
// truncated to gossipIDLength bytes, hashed the way the network-wide
// message-id scheme requires so two equivalent messages gossiped on the
// same topic always collapse to the same id regardless of which peer first
// published them. Topics under the legacy phase0 prefix omit the topic and
// its length from the hash input entirely.
func gossipMsgIDFn(topic string, rawData []byte) string {
	decompressed, err := snappy.Decode(nil, rawData)
	if err != nil {
		// Invalid snappy: fall back to hashing the raw bytes so the message
		// still gets an id and can be rejected downstream instead of
		// silently vanishing from de-duplication.
		decompressed = rawData
	}

	h := sha256.New()
	h.Write([]byte(gossipDomainValid))
	if !strings.HasPrefix(topic, phase0TopicPrefix) {
		var topicLen [8]byte
		binary.LittleEndian.PutUint64(topicLen[:], uint64(len(topic)))
		h.Write(topicLen[:])
		h.Write([]byte(topic))
	}
	h.Write(decompressed)
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:gossipIDLength])
}

// topicHandle bundles a joined pubsub topic with the local subscription and
// bookkeeping the gossip pipeline needs to unsubscribe and leave cleanly.
type topicHandle struct {
	name   string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// Gossip owns the gossipsub router and every joined/validated/subscribed
// topic, implementing the synchronous-validate-then-async-handle pipeline:
// decompress and bound-check inside the validator (so rejects never invoke
// the handler), then hand the already-decoded payload to the handler.
type Gossip struct {
	log log.Logger
	ps  *pubsub.PubSub
	m   *Metrics

	maxGossipSize uint64

	mu     sync.Mutex
	topics map[string]*topicHandle
}

// NewGossip wraps an already-constructed *pubsub.PubSub. Construction of
// the PubSub itself (host, peer-scoring params, WithMessageIdFn) is the
// orchestrator's job since it also needs the libp2p host.
func NewGossip(logger log.Logger, ps *pubsub.PubSub, m *Metrics, maxGossipSize uint64) *Gossip {
	return &Gossip{
		log:           logger,
		ps:            ps,
		m:             m,
		maxGossipSize: maxGossipSize,
		topics:        make(map[string]*topicHandle),
	}
}

// Subscribe joins topicName, registers validator as its pubsub validator,
// and starts a goroutine delivering Accept-ed messages to handler until ctx
// is canceled or Unsubscribe is called.
func (g *Gossip) Subscribe(ctx context.Context, topicName string, validator MessageValidator, handler MessageHandler) error {
	g.mu.Lock()
	if _, exists := g.topics[topicName]; exists {
		g.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", topicName)
	}
	g.mu.Unlock()

	topic, err := g.ps.Join(topicName)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", topicName, err)
	}

	wrapped := func(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		decoded, err := snappy.Decode(nil, msg.Data)
		if err != nil {
			g.m.IncGossipValidation(topicName, ValidationReject)
			return pubsub.ValidationReject
		}
		if len(decoded) > int(g.maxGossipSize) {
			g.m.IncGossipValidation(topicName, ValidationReject)
			return pubsub.ValidationReject
		}
		result, err := validator(ctx, from, decoded)
		if err != nil {
			g.log.Debug("gossip validator error", "topic", topicName, "err", err)
			result = ValidationIgnore
		}
		g.m.IncGossipValidation(topicName, result)
		if result == ValidationAccept {
			msg.ValidatorData = decoded
		}
		return result.toPubsub()
	}
	if err := g.ps.RegisterTopicValidator(topicName, wrapped); err != nil {
		topic.Close()
		return fmt.Errorf("register validator for %s: %w", topicName, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe to %s: %w", topicName, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	h := &topicHandle{name: topicName, topic: topic, sub: sub, cancel: cancel}
	g.mu.Lock()
	g.topics[topicName] = h
	g.mu.Unlock()

	go g.deliverLoop(subCtx, h, handler)
	return nil
}

func (g *Gossip) deliverLoop(ctx context.Context, h *topicHandle, handler MessageHandler) {
	for {
		msg, err := h.sub.Next(ctx)
		if err != nil {
			return // ctx canceled or subscription closed
		}
		decoded, ok := msg.ValidatorData.([]byte)
		if !ok {
			continue // validator rejected or never ran; defensive, should not happen
		}
		handler(ctx, msg.ReceivedFrom, decoded)
	}
}

// Unsubscribe stops delivery, cancels the pubsub subscription, and leaves
// the topic.
func (g *Gossip) Unsubscribe(topicName string) {
	g.mu.Lock()
	h, ok := g.topics[topicName]
	if ok {
		delete(g.topics, topicName)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	h.sub.Cancel()
	_ = h.topic.Close()
}

// ErrNoGossipPeers is returned by Publish when the topic currently has no
// mesh peers to forward the message to; callers treat it as a soft error
// rather than a codec or transport failure.
var ErrNoGossipPeers = fmt.Errorf("p2p: no peers subscribed to topic")

// Publish snappy-encodes payload and publishes it on topicName, joining the
// topic first if this node has not already subscribed or published there.
func (g *Gossip) Publish(ctx context.Context, topicName string, payload []byte) error {
	if uint64(len(payload)) > g.maxGossipSize {
		return fmt.Errorf("payload %d exceeds max gossip size %d", len(payload), g.maxGossipSize)
	}

	g.mu.Lock()
	h, ok := g.topics[topicName]
	g.mu.Unlock()

	var topic *pubsub.Topic
	if ok {
		topic = h.topic
	} else {
		joined, err := g.ps.Join(topicName)
		if err != nil {
			return fmt.Errorf("join topic %s for publish: %w", topicName, err)
		}
		topic = joined
	}

	if len(topic.ListPeers()) == 0 {
		return ErrNoGossipPeers
	}

	encoded := snappy.Encode(nil, payload)
	if err := topic.Publish(ctx, encoded); err != nil {
		return fmt.Errorf("publish to %s: %w", topicName, err)
	}
	return nil
}

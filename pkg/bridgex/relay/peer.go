// Package relay provides a bounded, lossy broadcast channel (Peer) and a
// pair of them (PeerPair) used to bridge the socket side of the gateway with
// the BLE side.
//
// Publishing never blocks. Each Peer keeps the last N messages in a ring;
// a subscriber that falls more than N messages behind is told how many it
// missed and resumes from the oldest message still retained.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"go.uber.org/zap"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 16

// ErrClosed is returned by Subscription.Recv once the Peer or the
// subscription is closed and nothing buffered remains.
var ErrClosed = errors.New("relay: peer closed")

// LaggedError is returned by Subscription.Recv when the subscriber fell
// behind and Missed messages were overwritten before it could read them.
// The subscription stays usable.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("relay: subscriber lagged, missed %d messages", e.Missed)
}

// Peer is one direction of the relay: a broadcast channel with a bounded
// history. Any number of goroutines may publish and subscribe concurrently.
type Peer[T any] struct {
	name   string
	logger *zap.Logger

	mu          sync.Mutex
	ring        []T
	head        uint64 // sequence number of the next publish
	notify      chan struct{}
	subscribers int
	closed      bool

	metrics *relayMetrics
}

// NewPeer creates a Peer with the given capacity and no logging.
func NewPeer[T any](capacity int) *Peer[T] {
	p, _ := NewPeerConfig[T]().WithCapacity(capacity).Build()
	return p
}

// Name returns the name the Peer was built with.
func (p *Peer[T]) Name() string {
	return p.name
}

// Capacity returns the number of messages retained for slow subscribers.
func (p *Peer[T]) Capacity() int {
	return len(p.ring)
}

// Publish broadcasts msg to every current subscriber and returns how many
// there were. Zero subscribers is not an error, the message is just not
// seen by anyone.
func (p *Peer[T]) Publish(msg T) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("Publish on closed peer ignored")
		return 0
	}

	p.ring[p.head%uint64(len(p.ring))] = msg
	p.head++
	close(p.notify)
	p.notify = make(chan struct{})
	n := p.subscribers
	p.mu.Unlock()

	p.metrics.recordPublish(n)
	if n == 0 {
		p.logger.Debug("Published with no subscribers")
	}
	return n
}

// Subscribe returns a receiver for messages published after this call.
func (p *Peer[T]) Subscribe() *Subscription[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription[T]{peer: p, next: p.head}
	if !p.closed {
		p.subscribers++
		p.metrics.recordSubscribers(p.subscribers)
	} else {
		sub.closed = true
	}
	return sub
}

// SubscriberCount returns the number of open subscriptions.
func (p *Peer[T]) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribers
}

// Close stops the Peer. Subscribers drain what is still buffered and then
// get ErrClosed.
func (p *Peer[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.notify)
	p.logger.Debug("Peer closed")
}

// oldest returns the sequence number of the oldest retained message.
func (p *Peer[T]) oldest() uint64 {
	size := uint64(len(p.ring))
	if p.head < size {
		return 0
	}
	return p.head - size
}

// Subscription is one receiver of a Peer. It must be used by a single
// goroutine.
type Subscription[T any] struct {
	peer   *Peer[T]
	next   uint64
	closed bool
}

// Recv returns the next message. It blocks until one is published, ctx is
// done, or the Peer is closed and drained (ErrClosed). If messages were lost
// to overflow it returns a *LaggedError first; the following call resumes
// with the oldest retained message.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	p := s.peer

	for {
		p.mu.Lock()
		if s.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}

		if oldest := p.oldest(); s.next < oldest {
			missed := oldest - s.next
			s.next = oldest
			p.mu.Unlock()
			p.metrics.recordLag(missed)
			return zero, &LaggedError{Missed: missed}
		}

		if s.next < p.head {
			msg := p.ring[s.next%uint64(len(p.ring))]
			s.next++
			p.mu.Unlock()
			return msg, nil
		}

		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}

		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Pending returns how many published messages this subscriber has not read
// yet, including ones already overwritten.
func (s *Subscription[T]) Pending() uint64 {
	s.peer.mu.Lock()
	defer s.peer.mu.Unlock()
	return s.peer.head - s.next
}

// Close releases the subscription. Further Recv calls return ErrClosed.
func (s *Subscription[T]) Close() {
	p := s.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	p.subscribers--
	p.metrics.recordSubscribers(p.subscribers)
}

// PeerPair holds the two directions of a bridge. Which side is A and which
// is B is decided by whoever builds the pair; nothing is cross-wired.
type PeerPair[T any] struct {
	A *Peer[T]
	B *Peer[T]
}

// NewPeerPair creates two independent Peers named "a" and "b".
func NewPeerPair[T any](capacity int) *PeerPair[T] {
	a, _ := NewPeerConfig[T]().WithName("a").WithCapacity(capacity).Build()
	b, _ := NewPeerConfig[T]().WithName("b").WithCapacity(capacity).Build()
	return &PeerPair[T]{A: a, B: b}
}

// Close closes both Peers.
func (pp *PeerPair[T]) Close() {
	pp.A.Close()
	pp.B.Close()
}

type relayMetrics struct {
	published   o11y.Counter
	unheard     o11y.Counter
	lagged      o11y.Counter
	subscribers o11y.Gauge
	labels      []o11y.Label
}

func newRelayMetrics(provider o11y.MetricsProvider, name string) *relayMetrics {
	if provider == nil {
		return nil
	}
	return &relayMetrics{
		published:   provider.Counter("relay_messages_published_total"),
		unheard:     provider.Counter("relay_messages_unheard_total"),
		lagged:      provider.Counter("relay_messages_missed_total"),
		subscribers: provider.Gauge("relay_subscribers"),
		labels:      []o11y.Label{{Key: "peer", Value: name}},
	}
}

func (m *relayMetrics) recordPublish(subscribers int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.published.Add(ctx, 1, m.labels...)
	if subscribers == 0 {
		m.unheard.Add(ctx, 1, m.labels...)
	}
}

func (m *relayMetrics) recordLag(missed uint64) {
	if m == nil {
		return
	}
	m.lagged.Add(context.Background(), int64(missed), m.labels...)
}

func (m *relayMetrics) recordSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(context.Background(), float64(n), m.labels...)
}

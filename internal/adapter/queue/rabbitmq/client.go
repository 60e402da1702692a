package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerClient owns one long-lived connection/channel pair per process,
// lazily (re)established on first use or after a detected closure. The pair
// is shared across all publishes; the mutex ensures only one goroutine
// rebuilds it while others wait on the rebuild already in flight.
type BrokerClient struct {
	url  string
	name string
	topo Topology

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBrokerClient constructs a client for the given AMQP URL. The name shows
// up as the connection_name in the broker's management UI.
func NewBrokerClient(url, name string, topo Topology) *BrokerClient {
	return &BrokerClient{url: url, name: name, topo: topo}
}

// channelLocked returns the shared confirm-mode channel, dialing if needed.
// Caller must hold b.mu.
func (b *BrokerClient) channelLocked() (*amqp.Channel, error) {
	if b.conn != nil && !b.conn.IsClosed() && b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	b.closeLocked()

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(10 * time.Second),
		Properties: amqp.Table{"connection_name": b.name},
	}
	conn, err := amqp.DialConfig(b.url, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=broker.dial url=%s: %w", b.url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=broker.channel: %w", err)
	}
	// Publisher confirms: a successful publish means the broker durably
	// accepted the message, not merely that it left the socket.
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=broker.confirm_mode: %w", err)
	}
	if err := b.topo.DeclareExchanges(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn, b.ch = conn, ch
	slog.Info("broker connection established", slog.String("connection_name", b.name))
	return ch, nil
}

// publish sends one persistent message and waits for the broker confirm.
// Publishes are serialized on the shared channel, matching the single
// channel-per-process reuse that amortizes connection setup under load.
func (b *BrokerClient) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("op=broker.publish exchange=%s routing_key=%s: %w", exchange, routingKey, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("op=broker.confirm routing_key=%s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("op=broker.confirm routing_key=%s: broker nacked publish", routingKey)
	}
	return nil
}

// invalidate discards the current connection so the next publish redials.
// Called after a failed publish; the stale handle must not be reused.
func (b *BrokerClient) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *BrokerClient) closeLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// Ping verifies broker connectivity by (re)establishing the shared channel.
func (b *BrokerClient) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.channelLocked()
	return err
}

// EnsureTopology declares the full exchange/queue topology on the shared
// channel. Fails fast when the broker is unreachable.
func (b *BrokerClient) EnsureTopology(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	return b.topo.EnsureTopology(ch)
}

// Close releases the connection/channel pair.
func (b *BrokerClient) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

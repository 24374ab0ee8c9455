// Package netevent implements the bounded, backpressure-aware channel that
// bridges the network I/O thread to the event processor (§4.9).
package netevent

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/pkg/logging"
)

// Event is one inbound network occurrence queued for processing: a gossip
// message, a direct-stream request, a peer connection change.
type Event struct {
	Kind       string
	ContextID  [32]byte
	SourcePeer peer.ID
	Payload    []byte
	EnqueuedAt time.Time
}

const (
	defaultCapacity        = 1000
	defaultWarningThreshold = 0.8
	defaultStatsLogInterval = 30 * time.Second
)

// Config mirrors spec §6's network.* configuration items.
type Config struct {
	ChannelSize      int
	WarningThreshold float64
	StatsLogInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ChannelSize:      defaultCapacity,
		WarningThreshold: defaultWarningThreshold,
		StatsLogInterval: defaultStatsLogInterval,
	}
}

// Channel is a bounded mpsc channel with a non-blocking Send: on a full
// channel the event is dropped and counted, never blocking the I/O thread.
type Channel struct {
	ch     chan Event
	cfg    Config
	log    *logging.Logger
	metrics *Metrics

	closeOnce chan struct{}
}

// New creates a Channel with the given config, recording into metrics
// (nil creates a Metrics registered with the default Prometheus registry).
func New(cfg Config, log *logging.Logger, metrics *Metrics) *Channel {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = defaultCapacity
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = defaultWarningThreshold
	}
	if log == nil {
		log = logging.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Channel{
		ch:        make(chan Event, cfg.ChannelSize),
		cfg:       cfg,
		log:       log.Component("netevent"),
		metrics:   metrics,
		closeOnce: make(chan struct{}),
	}
	metrics.SetCapacity(cfg.ChannelSize)
	return c
}

// TrySend attempts to enqueue ev without blocking. Returns false (and
// increments the dropped counter) if the channel is full.
func (c *Channel) TrySend(ev Event) bool {
	ev.EnqueuedAt = time.Now()
	select {
	case c.ch <- ev:
		depth := len(c.ch)
		c.metrics.RecordReceived(depth)
		if float64(depth) >= float64(c.cfg.ChannelSize)*c.cfg.WarningThreshold {
			c.log.Warn("network event channel depth above warning threshold",
				"depth", depth, "capacity", c.cfg.ChannelSize)
		}
		return true
	default:
		c.metrics.RecordDropped()
		c.log.Warn("network event channel full, dropping event", "kind", ev.Kind)
		return false
	}
}

// Recv returns a channel to range over for processing events; closed when
// the underlying channel is closed via Drain.
func (c *Channel) Recv() <-chan Event {
	return c.ch
}

// Processed must be called by the consumer after handling an event, to
// record processing latency and the processed counter, and to refresh the
// depth gauge.
func (c *Channel) Processed(ev Event) {
	c.metrics.RecordProcessed(time.Since(ev.EnqueuedAt))
	c.metrics.depth.Set(float64(len(c.ch)))
}

// Drain closes the channel for new sends, allowing the consumer to finish
// processing buffered events and exit cleanly during shutdown.
func (c *Channel) Drain() {
	close(c.ch)
}

// Depth returns the current queue depth.
func (c *Channel) Depth() int { return len(c.ch) }

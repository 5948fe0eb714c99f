// Package stream pushes periodic metric snapshots to live subscribers.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/telemetry"
)

// Defaults for Config fields left at zero.
const (
	DefaultInterval  = 5 * time.Second
	DefaultWindow    = 20
	DefaultHeartbeat = 15 * time.Second
	DefaultBuffer    = 8

	// ReadyComment is the comment frame that opens every SSE stream.
	ReadyComment = "aicwd_sse_ready"
)

// Kind names a stream event.
type Kind string

const (
	KindReady     Kind = "ready"
	KindMetrics   Kind = "metrics"
	KindHeartbeat Kind = "heartbeat"
)

// Snapshot is the payload of a metrics event.
type Snapshot struct {
	Metrics   []domain.MetricPoint `json:"metrics"`
	Alerts    metric.AlertCounts   `json:"alerts"`
	Timestamp int64                `json:"timestamp"`
}

// Event is one item delivered to a subscriber. Snapshot is set for metrics events only.
type Event struct {
	Kind     Kind
	Snapshot *Snapshot
}

// Source supplies the newest metric points.
type Source interface {
	Snapshot(ctx context.Context, limit int) ([]domain.MetricPoint, error)
}

// Config tunes a Distributor.
type Config struct {
	Interval   time.Duration
	Window     int
	Heartbeat  time.Duration
	Buffer     int
	Thresholds metric.Thresholds
}

// Distributor runs one producer per subscriber; producers only read from Source.
type Distributor struct {
	source  Source
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Distributor, filling zero Config fields with defaults.
func New(source Source, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Distributor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	// ready marker and first snapshot always fit
	if cfg.Buffer < 2 {
		cfg.Buffer = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "stream_distributor"),
		now:     time.Now,
	}
}

// Subscribe starts a producer bound to ctx. The channel yields a ready event,
// an immediate snapshot, then snapshots every Interval and heartbeats every
// Heartbeat. Events that do not fit the buffer are dropped. The channel is
// closed once ctx is cancelled, and nothing is sent after that.
func (d *Distributor) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, d.cfg.Buffer)
	go d.produce(ctx, out)
	return out
}

// Serve subscribes and hands each event to deliver until ctx is cancelled or
// deliver fails. Cancellation is checked before every delivery, so events
// still buffered when ctx ends are discarded.
func (d *Distributor) Serve(ctx context.Context, deliver func(Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := d.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok || ctx.Err() != nil {
				return nil
			}
			if err := deliver(ev); err != nil {
				return err
			}
		}
	}
}

func (d *Distributor) produce(ctx context.Context, out chan<- Event) {
	defer close(out)

	d.offer(ctx, out, Event{Kind: KindReady})
	d.emitSnapshot(ctx, out)

	interval := time.NewTicker(d.cfg.Interval)
	defer interval.Stop()
	heartbeat := time.NewTicker(d.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-interval.C:
			d.emitSnapshot(ctx, out)
		case <-heartbeat.C:
			d.offer(ctx, out, Event{Kind: KindHeartbeat})
		}
	}
}

func (d *Distributor) emitSnapshot(ctx context.Context, out chan<- Event) {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("failed to compute metrics snapshot", "error", err)
		}
		return
	}
	d.offer(ctx, out, Event{Kind: KindMetrics, Snapshot: &snap})
}

// Snapshot computes one metrics payload over the newest Window logs.
func (d *Distributor) Snapshot(ctx context.Context) (Snapshot, error) {
	points, err := d.source.Snapshot(ctx, d.cfg.Window)
	if err != nil {
		return Snapshot{}, err
	}
	if points == nil {
		points = []domain.MetricPoint{}
	}
	return Snapshot{
		Metrics:   points,
		Alerts:    d.cfg.Thresholds.Count(points),
		Timestamp: d.now().UnixMilli(),
	}, nil
}

func (d *Distributor) offer(ctx context.Context, out chan<- Event, ev Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case out <- ev:
	default:
		d.metrics.EventDropped(string(ev.Kind))
		d.logger.Debug("subscriber buffer full, event dropped", "kind", ev.Kind)
	}
}

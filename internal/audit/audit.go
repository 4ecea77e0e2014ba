// Package audit ships terminal policy decisions to configured publishers.
//
// The sink sits behind the pipeline's Recorder interface: Record enqueues
// onto a bounded channel and returns immediately. A single worker drains the
// queue and fans each decision out to the publishers, so a slow or failing
// backend can drop audit events but never delay a request.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/pipeline"
)

// Publisher ships decisions to one backend. Publish is called from the sink
// worker only, never from a request goroutine.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, d pipeline.Decision) error
	Close(ctx context.Context) error
}

// Sink queues decisions for asynchronous publishing.
type Sink struct {
	queue      chan pipeline.Decision
	publishers []Publisher
	logger     *slog.Logger

	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

var _ pipeline.Recorder = (*Sink)(nil)

const defaultQueueSize = 1024

// NewSink builds the configured publishers and starts the worker. Disabled
// publisher entries are skipped; a publisher that fails to construct fails
// the sink.
func NewSink(cfg config.AuditConfig, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var pubs []Publisher
	for _, pc := range cfg.Publishers {
		if !pc.Enabled {
			continue
		}

		var (
			p   Publisher
			err error
		)
		switch pc.Type {
		case "sqlite":
			p, err = NewSQLite(pc.Settings)
		case "moesif":
			p, err = NewMoesif(pc.Settings)
		default:
			err = fmt.Errorf("unknown publisher type")
		}
		if err != nil {
			closePublishers(context.Background(), logger, pubs)
			return nil, fmt.Errorf("audit publisher %q: %w", pc.Type, err)
		}
		pubs = append(pubs, p)
		logger.Info("audit publisher added", "type", pc.Type)
	}
	if len(pubs) == 0 {
		logger.Debug("no audit publishers configured, decisions will be dropped")
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return newSink(size, logger, pubs), nil
}

func newSink(queueSize int, logger *slog.Logger, pubs []Publisher) *Sink {
	s := &Sink{
		queue:      make(chan pipeline.Decision, queueSize),
		publishers: pubs,
		logger:     logger,
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues one decision. When the queue is full the decision is
// dropped and counted; the request path never waits for the audit backend.
func (s *Sink) Record(_ context.Context, d pipeline.Decision) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- d:
		metrics.AuditQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.AuditDroppedTotal.Inc()
		s.logger.Warn("audit queue full, dropping decision",
			"requestId", d.RequestID,
			"route", d.Route,
			"outcome", d.Outcome,
		)
	}
}

// Close stops intake, drains queued decisions, and closes the publishers.
// The context bounds the drain; on expiry the remaining events are abandoned.
func (s *Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
		closePublishers(ctx, s.logger, s.publishers)
	})
	return err
}

func (s *Sink) run() {
	defer close(s.drained)
	for {
		select {
		case d := <-s.queue:
			s.dispatch(d)
			metrics.AuditQueueDepth.Set(float64(len(s.queue)))
		case <-s.done:
			// Deliver what was accepted before shutdown.
			for {
				select {
				case d := <-s.queue:
					s.dispatch(d)
				default:
					metrics.AuditQueueDepth.Set(0)
					return
				}
			}
		}
	}
}

func (s *Sink) dispatch(d pipeline.Decision) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicRecoveriesTotal.WithLabelValues("audit").Inc()
			s.logger.Error("panic in audit publisher",
				"panic", r,
				"requestId", d.RequestID,
			)
		}
	}()

	ctx := context.Background()
	for _, p := range s.publishers {
		if err := p.Publish(ctx, d); err != nil {
			metrics.AuditEventsTotal.WithLabelValues(p.Name(), "failure").Inc()
			s.logger.Error("audit publish failed",
				"publisher", p.Name(),
				"error", err,
			)
			continue
		}
		metrics.AuditEventsTotal.WithLabelValues(p.Name(), "success").Inc()
	}
}

func closePublishers(ctx context.Context, logger *slog.Logger, pubs []Publisher) {
	for _, p := range pubs {
		if err := p.Close(ctx); err != nil {
			logger.Error("audit publisher close failed",
				"publisher", p.Name(),
				"error", err,
			)
		}
	}
}

// decodeSettings maps a publisher's settings block onto its config struct.
func decodeSettings(settings map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

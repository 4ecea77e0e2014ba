package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/moesif/moesifapi-go"
	"github.com/moesif/moesifapi-go/models"

	"github.com/policy-gate/policy-gate/internal/pipeline"
)

const (
	anonymousUser    = "anonymous"
	defaultMoesifURL = "https://api.moesif.net"
)

// moesifConfig holds the settings block of the moesif publisher. Intervals
// are in seconds.
type moesifConfig struct {
	ApplicationID      string `mapstructure:"application_id"`
	BaseURL            string `mapstructure:"base_url"`
	PublishInterval    int    `mapstructure:"publish_interval"`
	EventQueueSize     int    `mapstructure:"event_queue_size"`
	BatchSize          int    `mapstructure:"batch_size"`
	TimerWakeupSeconds int    `mapstructure:"timer_wakeup_seconds"`
}

// Moesif ships decisions to a Moesif collector as API call events, with the
// policy fields attached as event metadata. Events accumulate locally and are
// handed to the Moesif client in batches on a timer.
type Moesif struct {
	api moesifapi.API

	mu     sync.Mutex
	events []*models.EventModel

	done      chan struct{}
	closeOnce sync.Once
}

// NewMoesif builds the Moesif client from the settings block.
func NewMoesif(settings map[string]interface{}) (*Moesif, error) {
	cfg := moesifConfig{
		PublishInterval:    5,
		EventQueueSize:     10000,
		BatchSize:          50,
		TimerWakeupSeconds: 3,
	}
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("application_id is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		slog.Debug("No Moesif base URL provided, backing off to the default URL")
		baseURL = defaultMoesifURL
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 5
	}

	api := moesifapi.NewAPI(cfg.ApplicationID, &baseURL,
		cfg.EventQueueSize, cfg.BatchSize, cfg.TimerWakeupSeconds)

	m := &Moesif{
		api:  api,
		done: make(chan struct{}),
	}
	go m.publishLoop(time.Duration(cfg.PublishInterval) * time.Second)
	return m, nil
}

// Name implements Publisher.
func (m *Moesif) Name() string { return "moesif" }

// Publish queues one decision as a Moesif event.
func (m *Moesif) Publish(_ context.Context, d pipeline.Decision) error {
	at := d.At
	respTime := at.Add(d.Duration)

	uri := d.Path
	if uri == "" {
		uri = "/" + d.Route
	}
	var ip *string
	if d.ClientIP != "" {
		ip = &d.ClientIP
	}
	userID := anonymousUser

	event := &models.EventModel{
		Request: models.EventRequestModel{
			Time:      &at,
			Uri:       uri,
			Verb:      d.Method,
			IpAddress: ip,
			Headers:   map[string]interface{}{},
		},
		Response: models.EventResponseModel{
			Time:    &respTime,
			Status:  outcomeStatus(d.Outcome),
			Headers: map[string]interface{}{},
		},
		UserId: &userID,
		Metadata: map[string]interface{}{
			"requestId":  d.RequestID,
			"route":      d.Route,
			"stage":      string(d.Stage),
			"policy":     d.Policy,
			"outcome":    d.Outcome,
			"reason":     d.Reason,
			"error":      d.Error,
			"durationMs": d.Duration.Milliseconds(),
		},
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Close stops the publish loop and hands the remaining events to the client.
func (m *Moesif) Close(_ context.Context) error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.flush()
	})
	return nil
}

func (m *Moesif) publishLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Moesif) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return
	}
	slog.Debug("Publishing decision events to Moesif", "count", len(m.events))
	if err := m.api.QueueEvents(m.events); err != nil {
		slog.Error("Error publishing events to Moesif", "error", err)
	}
	m.events = nil
}

// outcomeStatus maps a decision outcome to the response status the client
// observed for it.
func outcomeStatus(outcome string) int {
	switch outcome {
	case "denied":
		return http.StatusForbidden
	case "failed", "resolution_error":
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

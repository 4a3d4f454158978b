package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orchestrator_webhook_events_total",
	Help: "Webhook notifications by result.",
}, []string{"result"})

const defaultQueueSize = 256

// WebhookSink POSTs events as JSON to one URL from a background worker.
// Events are dropped, not blocked on, when the queue is full.
type WebhookSink struct {
	url    string
	client *http.Client
	queue  chan Event
	logger zerolog.Logger

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// NewWebhookSink creates a sink; call Start to begin delivering.
func NewWebhookSink(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan Event, defaultQueueSize),
		logger: logger.With().Str("component", "webhook-sink").Logger(),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (s *WebhookSink) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops accepting events and waits for queued ones to be sent.
func (s *WebhookSink) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *WebhookSink) Notify(_ context.Context, event Event) {
	select {
	case <-s.done:
		webhookEvents.WithLabelValues("dropped").Inc()
		return
	default:
	}
	select {
	case s.queue <- event:
	default:
		webhookEvents.WithLabelValues("dropped").Inc()
		s.logger.Warn().Str("event", event.Type).Str("customer", event.CustomerID).Msg("webhook queue full, dropping event")
	}
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.deliver(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (s *WebhookSink) deliver(e Event) {
	if err := s.post(context.Background(), e); err != nil {
		webhookEvents.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Str("event", e.Type).Str("event_id", e.ID).Msg("webhook delivery failed")
		return
	}
	webhookEvents.WithLabelValues("sent").Inc()
}

func (s *WebhookSink) post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", e.Type)
	req.Header.Set("X-Event-Id", e.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST to %s: %w", s.url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

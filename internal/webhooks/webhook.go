// Package webhooks delivers controller events to HTTP endpoints with HMAC
// signatures and bounded retries.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/events"
)

// Delivery statuses
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

const maxDeliveryHistory = 100

// Endpoint configures one webhook receiver
type Endpoint struct {
	ID           string            `yaml:"id" json:"id"`
	URL          string            `yaml:"url" json:"url"`
	Events       []string          `yaml:"events" json:"events"`
	Secret       string            `yaml:"secret" json:"-"`
	Headers      map[string]string `yaml:"headers" json:"headers,omitempty"`
	RequireHTTPS bool              `yaml:"require_https" json:"require_https"`
}

// Validate checks if the endpoint is usable
func (e *Endpoint) Validate() error {
	if e.ID == "" {
		return errors.New("webhook: ID is required")
	}
	if e.URL == "" {
		return errors.New("webhook: URL is required")
	}

	parsed, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("webhook: invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", parsed.Scheme)
	}
	if e.RequireHTTPS && parsed.Scheme != "https" {
		return errors.New("webhook: HTTPS is required")
	}

	if len(e.Events) == 0 {
		return errors.New("webhook: at least one event is required")
	}
	return nil
}

// MatchesEvent reports whether the endpoint subscribes to the event type.
// "*" matches everything and "failover_*" matches by prefix.
func (e *Endpoint) MatchesEvent(eventType events.Type) bool {
	for _, p := range e.Events {
		if p == "*" || p == string(eventType) {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(string(eventType), strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// Payload is the JSON body posted to endpoints
type Payload struct {
	ID        string                 `json:"id"`
	Type      events.Type            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Attempt   int                    `json:"attempt"`
}

// Delivery records one delivery attempt
type Delivery struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempt    int           `json:"attempt"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Config configures delivery
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryInterval:  time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Sink posts events to every matching endpoint. It implements events.Sink
// and is meant to sit behind an events.Bus, which already runs deliveries off
// the caller's goroutine.
type Sink struct {
	config     Config
	logger     *zap.Logger
	httpClient *http.Client

	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	order      []string
	deliveries map[string][]Delivery
}

// NewSink creates a webhook sink
func NewSink(config Config, logger *zap.Logger) *Sink {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sink{
		config:     config,
		logger:     logger.Named("webhooks"),
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]Delivery),
	}
}

// Register adds an endpoint
func (s *Sink) Register(ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[ep.ID]; exists {
		return fmt.Errorf("webhook: ID %s already exists", ep.ID)
	}
	s.endpoints[ep.ID] = &ep
	s.order = append(s.order, ep.ID)
	return nil
}

// Unregister removes an endpoint
func (s *Sink) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[id]; !exists {
		return fmt.Errorf("webhook: ID %s not found", id)
	}
	delete(s.endpoints, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Deliver posts the event to every matching endpoint. Failures of one
// endpoint do not stop delivery to the others.
func (s *Sink) Deliver(ctx context.Context, event events.Event) error {
	var errs []error
	for _, ep := range s.matching(event.Type) {
		if err := s.deliver(ctx, ep, event); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", ep.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) matching(t events.Type) []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Endpoint
	for _, id := range s.order {
		if ep := s.endpoints[id]; ep.MatchesEvent(t) {
			out = append(out, ep)
		}
	}
	return out
}

func (s *Sink) deliver(ctx context.Context, ep *Endpoint, event events.Event) error {
	payload := Payload{
		ID:        event.ID,
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		payload.Attempt = attempt

		start := time.Now()
		status, err := s.send(ctx, ep, payload)
		d := Delivery{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			EventID:    event.ID,
			StatusCode: status,
			Duration:   time.Since(start),
			Attempt:    attempt,
			CreatedAt:  time.Now().UTC(),
		}

		if err == nil && status >= 200 && status < 300 {
			d.Status = DeliveryStatusSuccess
			s.record(d)
			return nil
		}

		if err == nil {
			err = fmt.Errorf("endpoint returned status %d", status)
		}
		lastErr = err
		d.Status = DeliveryStatusFailed
		d.Error = err.Error()
		s.record(d)

		s.logger.Debug("webhook delivery attempt failed",
			zap.String("endpoint", ep.ID),
			zap.String("event", string(event.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < s.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.RetryInterval):
			}
		}
	}
	return lastErr
}

func (s *Sink) send(ctx context.Context, ep *Endpoint, payload Payload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "geofailover-webhooks/1.0")
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Event-Type", string(payload.Type))
	req.Header.Set("X-Event-ID", payload.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(payload.Attempt))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, ep.Secret))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// Sign returns the HMAC-SHA256 signature header value for a body
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign
func Verify(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func (s *Sink) record(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.deliveries[d.EndpointID], d)
	if len(list) > maxDeliveryHistory {
		list = list[len(list)-maxDeliveryHistory:]
	}
	s.deliveries[d.EndpointID] = list
}

// DeliveryHistory returns up to limit deliveries for an endpoint, most
// recent first
func (s *Sink) DeliveryHistory(endpointID string, limit int) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.deliveries[endpointID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Delivery, limit)
	for i := 0; i < limit; i++ {
		out[i] = list[len(list)-1-i]
	}
	return out
}

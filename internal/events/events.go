// Package events defines the typed real-time message union shared by the
// WebSocket layer and the polling fallback, plus the in-process bus that
// fans events out to subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the message union.
type EventType string

const (
	EventTradeUpdate       EventType = "trade_update"
	EventBotStatus         EventType = "bot_status"
	EventListingDetected   EventType = "listing_detected"
	EventSystemAlert       EventType = "system_alert"
	EventPerformanceMetric EventType = "performance_metric"
)

// Envelope is the wire form of every event: a type tag, an ISO-8601
// timestamp, and a payload matching the tag.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TradeUpdate reports trade attempt lifecycle transitions.
type TradeUpdate struct {
	ID               string   `json:"id"`
	Symbol           string   `json:"symbol"`
	Status           string   `json:"status"`
	Strategy         string   `json:"strategy"`
	ExecutedPrice    *float64 `json:"executedPrice,omitempty"`
	ExecutedQuantity *float64 `json:"executedQuantity,omitempty"`
	ExecutionTimeMs  int64    `json:"executionTime"`
	Value            float64  `json:"value"`
}

// BotStatus is the supervisor heartbeat payload.
type BotStatus struct {
	IsRunning         bool      `json:"isRunning"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
	ExchangeAPIStatus string    `json:"exchangeApiStatus"` // OK, DEGRADED or DOWN
	APIResponseTimeMs float64   `json:"apiResponseTime"`
	UptimeSeconds     float64   `json:"uptime"`
}

// ListingMetadata carries per-source detection detail.
type ListingMetadata struct {
	DetectionMethod string   `json:"detectionMethod"`
	Volume          *float64 `json:"volume,omitempty"`
	Change24h       *float64 `json:"change24h,omitempty"`
}

// ListingDetected announces a new listing signal.
type ListingDetected struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Price      float64         `json:"price"`
	DetectedAt time.Time       `json:"detectedAt"`
	Metadata   ListingMetadata `json:"metadata"`
}

// SystemAlert flags operational conditions for the alerts channel.
type SystemAlert struct {
	Severity  string `json:"severity"` // low, medium, high, critical
	Component string `json:"component"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
}

// PerformanceMetric is the periodic resource/latency snapshot.
type PerformanceMetric struct {
	ExecutionTimeMs   float64 `json:"executionTime"`
	SuccessRate       float64 `json:"successRate"`
	APIResponseTimeMs float64 `json:"apiResponseTime"`
	MemoryUsageMB     float64 `json:"memoryUsage"`
	CPUUsagePercent   float64 `json:"cpuUsage"`
}

// Event pairs a type tag with its payload before serialization.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// New builds an event stamped with the given time.
func New(t EventType, ts time.Time, payload interface{}) Event {
	return Event{Type: t, Timestamp: ts.UTC(), Payload: payload}
}

// Serialize renders the event as its JSON envelope.
func Serialize(e Event) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(Envelope{Type: e.Type, Timestamp: e.Timestamp.UTC(), Data: data})
}

// Parse decodes an envelope back into a typed event. Unknown type tags are
// rejected so malformed producer output never reaches consumers silently.
func Parse(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	var payload interface{}
	switch env.Type {
	case EventTradeUpdate:
		payload = &TradeUpdate{}
	case EventBotStatus:
		payload = &BotStatus{}
	case EventListingDetected:
		payload = &ListingDetected{}
	case EventSystemAlert:
		payload = &SystemAlert{}
	case EventPerformanceMetric:
		payload = &PerformanceMetric{}
	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return Event{Type: env.Type, Timestamp: env.Timestamp, Payload: payload}, nil
}

// Channel maps an event type to the WebSocket sub-path that carries it.
// Clients on the root channel receive every type regardless.
func Channel(t EventType) string {
	switch t {
	case EventTradeUpdate:
		return "trades"
	case EventListingDetected:
		return "listings"
	case EventBotStatus:
		return "bot"
	case EventSystemAlert:
		return "alerts"
	case EventPerformanceMetric:
		return "performance"
	default:
		return ""
	}
}

package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoAddress is returned when the recipient has no registered push address.
var ErrNoAddress = errors.New("push: recipient has no push address")

// ErrNotConfigured is returned by gateways missing their transport client.
var ErrNotConfigured = errors.New("push: gateway not configured")

// Message is an outbound push notification.
// Data values are strings because device data payloads only carry strings.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Gateway delivers a push message to a device address.
// Implementations can be swapped (FCM, SQS relay, AMQP relay, log) without changing callers.
type Gateway interface {
	Send(ctx context.Context, address string, msg Message) error
}

// envelope is the JSON shape handed to relay transports.
type envelope struct {
	Address  string            `json:"address"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}

func encodeEnvelope(address string, msg Message, now time.Time) ([]byte, error) {
	body, err := json.Marshal(envelope{
		Address:  address,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     msg.Data,
		QueuedAt: now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("push: encode envelope: %w", err)
	}
	return body, nil
}

func requireAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrNoAddress
	}
	return address, nil
}

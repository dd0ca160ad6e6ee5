package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"hypergate-backend/internal/config"
	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/models"

	"github.com/nats-io/nats.go"
)

// TransferEvent is the payload published for every transfer change.
type TransferEvent struct {
	Event     string           `json:"event"`
	Transfer  *models.Transfer `json:"transfer"`
	Timestamp time.Time        `json:"timestamp"`
}

// NATSPublisher pushes transfer lifecycle events onto the bus. Publishing is
// best effort: downstream consumers (accounting, alerting) catch up via the
// store if an event is lost, so a publish failure is logged and swallowed.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the configured NATS server. The connection
// reconnects indefinitely in the background.
func NewNATSPublisher(cfg *config.NATSConfig) (*NATSPublisher, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("NATS disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	subject := cfg.SubjectPrefix
	if subject == "" {
		subject = "hypergate.transfers"
	}

	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// NotifyTransfer publishes one transfer event. The subject carries the event
// suffix, e.g. hypergate.transfers.created.
func (p *NATSPublisher) NotifyTransfer(event string, transfer *models.Transfer) {
	payload, err := json.Marshal(TransferEvent{
		Event:     event,
		Transfer:  transfer,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Failed to marshal transfer event %s: %v", event, err)
		return
	}

	subject := p.subject + "." + eventSuffix(event)
	if err := p.conn.Publish(subject, payload); err != nil {
		log.Printf("Failed to publish %s: %v", subject, err)
	}
}

// eventSuffix maps "transfer.created" to "created".
func eventSuffix(event string) string {
	for i := len(event) - 1; i >= 0; i-- {
		if event[i] == '.' {
			return event[i+1:]
		}
	}
	return event
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// FanoutNotifier delivers every event to each wrapped notifier.
type FanoutNotifier []interface {
	NotifyTransfer(event string, transfer *models.Transfer)
}

func (f FanoutNotifier) NotifyTransfer(event string, transfer *models.Transfer) {
	for _, n := range f {
		n.NotifyTransfer(event, transfer)
	}
}

package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/geobcdata/agosync/config"
)

// Events publishes run reports to a NATS subject so downstream
// automation can react to syncs without polling the portal.
type Events struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectEvents connects to the configured NATS server. Returns
// (nil, nil) when no URL is configured; run events are optional.
func ConnectEvents(cfg config.NATSConfig, logger *slog.Logger) (*Events, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("agosync"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", "url", cfg.URL, "subject", cfg.Subject)
	return &Events{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Publish sends one run report as JSON.
func (e *Events) Publish(report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	if err := e.conn.Publish(e.subject, data); err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}
	return nil
}

// Close flushes and closes the connection.
func (e *Events) Close() {
	if e == nil || e.conn == nil {
		return
	}
	if err := e.conn.Flush(); err != nil {
		e.logger.Warn("flush NATS connection", "error", err)
	}
	e.conn.Close()
}

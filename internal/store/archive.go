package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tanvib/sitepulse/internal/domain"
)

// EventArchive is the append-only durable store of accepted events, backed
// by ClickHouse native batch inserts. Rows are never updated or deleted
// here; retention is a ClickHouse TTL concern.
type EventArchive struct {
	conn clickhouse.Conn
}

// ArchiveConfig holds the ClickHouse connection settings.
type ArchiveConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewEventArchive connects to ClickHouse and verifies the connection.
func NewEventArchive(ctx context.Context, cfg ArchiveConfig) (*EventArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	return &EventArchive{conn: conn}, nil
}

// AppendEvents writes a batch of accepted events in one native insert.
func (a *EventArchive) AppendEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			id, site_id, session_id, kind, url, ts, payload,
			user_agent, referrer, remote_addr, browser, os, device_type
		)
	`)
	if err != nil {
		return fmt.Errorf("preparing event batch: %w", err)
	}

	for _, e := range events {
		payload, err := marshalPayload(e)
		if err != nil {
			return fmt.Errorf("marshaling payload for %s: %w", e.ID, err)
		}
		err = batch.Append(
			e.ID, e.SiteID, e.SessionID, string(e.Kind), e.URL, e.Timestamp, payload,
			e.Meta.UserAgent, e.Meta.Referrer, e.Meta.RemoteAddr,
			e.Meta.Browser, e.Meta.OS, e.Meta.DeviceType,
		)
		if err != nil {
			return fmt.Errorf("appending event %s: %w", e.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending event batch: %w", err)
	}
	return nil
}

func (a *EventArchive) Close() error {
	return a.conn.Close()
}

// marshalPayload flattens the kind-specific payload and the open metadata
// map into one JSON column.
func marshalPayload(e domain.Event) (string, error) {
	payload := map[string]any{}
	switch {
	case e.Click != nil:
		payload["click"] = e.Click
	case e.Scroll != nil:
		payload["scroll"] = e.Scroll
	case e.Form != nil:
		payload["form"] = e.Form
	case e.Conversion != nil:
		payload["conversion"] = e.Conversion
	case e.Custom != nil:
		payload["custom"] = e.Custom
	}
	if len(e.Extra) > 0 {
		payload["extra"] = e.Extra
	}
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"kilnwatch/internal/config"
	"kilnwatch/internal/models"
)

// Warehouse persists alerts to the analytical store: one Postgres row per
// unique idempotency key, column names matching the AlertEvent wire fields.
type Warehouse struct {
	db    *sql.DB
	table string
}

// NewWarehouse opens the analytical store connection.
func NewWarehouse(cfg config.WarehouseConfig) (*Warehouse, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return NewWarehouseWithDB(db, cfg.Table), nil
}

// NewWarehouseWithDB wraps an existing connection; used by tests.
func NewWarehouseWithDB(db *sql.DB, table string) *Warehouse {
	if table == "" {
		table = "power_alerts"
	}
	return &Warehouse{db: db, table: table}
}

// EnsureSchema creates the alert table and its dedup constraint.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		"timestamp"  TEXT             NOT NULL,
		model_id     TEXT             NOT NULL,
		endpoint_id  TEXT             NOT NULL,
		alert_type   TEXT             NOT NULL,
		message      TEXT             NOT NULL,
		suggestion   TEXT             NOT NULL,
		source_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY ("timestamp", model_id, endpoint_id, alert_type)
	)`, w.table)

	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure warehouse schema: %w", err)
	}
	return nil
}

// Name implements Sink.
func (w *Warehouse) Name() string { return "warehouse" }

// Persist inserts one row, relying on the primary key over the idempotency
// tuple for dedup: a conflicting insert affects zero rows and is reported
// as a duplicate, never an error.
func (w *Warehouse) Persist(ctx context.Context, event *models.AlertEvent) (bool, error) {
	stmt := fmt.Sprintf(`INSERT INTO %s
		("timestamp", model_id, endpoint_id, alert_type, message, suggestion, source_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ("timestamp", model_id, endpoint_id, alert_type) DO NOTHING`, w.table)

	res, err := w.db.ExecContext(ctx, stmt,
		event.Timestamp,
		event.ModelID,
		event.EndpointID,
		string(event.AlertType),
		event.Message,
		event.Suggestion,
		event.SourceValue,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Close releases the database connection.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

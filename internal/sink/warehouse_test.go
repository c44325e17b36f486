package sink

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"kilnwatch/internal/models"
)

func warehouseEvent() *models.AlertEvent {
	return &models.AlertEvent{
		Timestamp:   "2025-09-01T10:00:00Z",
		ModelID:     "power-efficiency-v1",
		EndpointID:  "ep-42",
		AlertType:   models.AlertPowerEfficiencyDegradation,
		Message:     "Power consumption efficiency degraded, value: 1.598",
		Suggestion:  "Decrease the crusher power",
		SourceValue: 1.598,
	}
}

func TestWarehousePersist_Inserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	event := warehouseEvent()
	mock.ExpectExec("INSERT INTO power_alerts").
		WithArgs(
			event.Timestamp,
			event.ModelID,
			event.EndpointID,
			string(event.AlertType),
			event.Message,
			event.Suggestion,
			event.SourceValue,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewWarehouseWithDB(db, "power_alerts")
	inserted, err := w.Persist(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("first delivery must insert")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWarehousePersist_DuplicateKeyIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// ON CONFLICT DO NOTHING: a redelivered alert affects zero rows
	mock.ExpectExec("INSERT INTO power_alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := NewWarehouseWithDB(db, "power_alerts")
	inserted, err := w.Persist(context.Background(), warehouseEvent())
	if err != nil {
		t.Fatalf("duplicate must not be an error: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery must not report an insert")
	}
}

func TestWarehousePersist_StoreErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	storeErr := errors.New("connection refused")
	mock.ExpectExec("INSERT INTO power_alerts").WillReturnError(storeErr)

	w := NewWarehouseWithDB(db, "power_alerts")
	if _, err := w.Persist(context.Background(), warehouseEvent()); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestWarehouseEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS power_alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := NewWarehouseWithDB(db, "power_alerts")
	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

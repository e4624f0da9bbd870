package db

import (
	"database/sql"

	"github.com/pairgate/pairgate/internal/models"
)

// InsertAuditEvent stores a single audit event.
func InsertAuditEvent(d *sql.DB, e *models.AuditEvent) error {
	_, err := d.Exec(
		"INSERT INTO audit_events (id, event_type, device_id, severity, details, occurred_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.EventType, e.DeviceID, e.Severity, e.Details, e.OccurredAt,
	)
	return err
}

// ListAuditEventsByDevice returns the most recent audit events for a device,
// newest first, capped at limit.
func ListAuditEventsByDevice(d *sql.DB, deviceID string, limit int) ([]models.AuditEvent, error) {
	rows, err := d.Query(
		`SELECT id, event_type, device_id, severity, details, occurred_at
		FROM audit_events WHERE device_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.DeviceID, &e.Severity, &e.Details, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

package db

import (
	"database/sql"
	"time"

	"github.com/pairgate/pairgate/internal/models"
)

// CreateCredential inserts a new device credential and returns its ID. A
// device that was revoked and pairs again replaces its old record.
func CreateCredential(d *sql.DB, c *models.DeviceCredential) (int64, error) {
	result, err := d.Exec(
		`INSERT INTO device_credentials
			(device_id, device_name, fingerprint, token_hash, token_expires_at, status, paired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			fingerprint = excluded.fingerprint,
			token_hash = excluded.token_hash,
			token_expires_at = excluded.token_expires_at,
			status = excluded.status,
			paired_at = excluded.paired_at,
			revoked_at = NULL`,
		c.DeviceID, c.DeviceName, c.Fingerprint, c.TokenHash, c.TokenExpiresAt, c.Status, c.PairedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetCredentialByDeviceID retrieves a credential by device ID, or nil if none
// exists.
func GetCredentialByDeviceID(d *sql.DB, deviceID string) (*models.DeviceCredential, error) {
	row := d.QueryRow(
		`SELECT id, device_id, device_name, fingerprint, token_hash, token_expires_at, status, paired_at, revoked_at
		FROM device_credentials WHERE device_id = ?`,
		deviceID,
	)
	var c models.DeviceCredential
	err := row.Scan(&c.ID, &c.DeviceID, &c.DeviceName, &c.Fingerprint, &c.TokenHash,
		&c.TokenExpiresAt, &c.Status, &c.PairedAt, &c.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountActiveCredentials returns the number of credentials with active status.
func CountActiveCredentials(d *sql.DB) (int, error) {
	var count int
	err := d.QueryRow("SELECT COUNT(*) FROM device_credentials WHERE status = ?",
		models.CredentialActive).Scan(&count)
	return count, err
}

// ListCredentials returns all credentials ordered by pairing time, newest
// first.
func ListCredentials(d *sql.DB) ([]models.DeviceCredential, error) {
	rows, err := d.Query(
		`SELECT id, device_id, device_name, fingerprint, token_hash, token_expires_at, status, paired_at, revoked_at
		FROM device_credentials ORDER BY paired_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.DeviceCredential
	for rows.Next() {
		var c models.DeviceCredential
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.DeviceName, &c.Fingerprint, &c.TokenHash,
			&c.TokenExpiresAt, &c.Status, &c.PairedAt, &c.RevokedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// RevokeCredential marks a credential revoked. Revoking an already revoked
// credential leaves it unchanged.
func RevokeCredential(d *sql.DB, deviceID string, revokedAt time.Time) error {
	_, err := d.Exec(
		"UPDATE device_credentials SET status = ?, revoked_at = ? WHERE device_id = ? AND status = ?",
		models.CredentialRevoked, revokedAt.Unix(), deviceID, models.CredentialActive,
	)
	return err
}

// SwapTokenHash atomically replaces a credential's token hash and expiry,
// guarded on the previous hash. Returns false if the stored hash no longer
// matches oldHash, meaning a concurrent rotation won.
func SwapTokenHash(d *sql.DB, deviceID string, oldHash, newHash []byte, expiresAt time.Time) (bool, error) {
	result, err := d.Exec(
		`UPDATE device_credentials SET token_hash = ?, token_expires_at = ?
		WHERE device_id = ? AND token_hash = ? AND status = ?`,
		newHash, expiresAt.Unix(), deviceID, oldHash, models.CredentialActive,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

package db

import (
	"database/sql"
	"time"

	"github.com/pairgate/pairgate/internal/models"
)

// CredentialStore adapts the sqlite credential queries to the pairing
// coordinator's store interface.
type CredentialStore struct {
	DB *sql.DB
}

func (s *CredentialStore) Get(deviceID string) (*models.DeviceCredential, error) {
	return GetCredentialByDeviceID(s.DB, deviceID)
}

func (s *CredentialStore) Create(c *models.DeviceCredential) error {
	id, err := CreateCredential(s.DB, c)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *CredentialStore) CountActive() (int, error) {
	return CountActiveCredentials(s.DB)
}

func (s *CredentialStore) List() ([]models.DeviceCredential, error) {
	return ListCredentials(s.DB)
}

func (s *CredentialStore) Revoke(deviceID string, at time.Time) error {
	return RevokeCredential(s.DB, deviceID, at)
}

func (s *CredentialStore) SwapToken(deviceID string, oldHash, newHash []byte, expiresAt time.Time) (bool, error) {
	return SwapTokenHash(s.DB, deviceID, oldHash, newHash, expiresAt)
}

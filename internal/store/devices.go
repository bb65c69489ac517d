package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Device is one remembered client that passed PIN auth. The id matches the
// jti claim of the token it was issued.
type Device struct {
	ID        string
	UserAgent string
	CreatedAt time.Time
	LastSeen  time.Time
	Revoked   bool
}

func (s *Store) CreateDevice(id, userAgent string) error {
	_, err := s.db.Exec(`INSERT INTO devices (id, user_agent) VALUES (?, ?)`, id, userAgent)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDevice returns nil, nil when the id is unknown.
func (s *Store) GetDevice(id string) (*Device, error) {
	d := &Device{}
	err := s.db.QueryRow(`SELECT id, user_agent, created_at, last_seen, revoked
		FROM devices WHERE id = ?`, id).Scan(
		&d.ID, &d.UserAgent, &d.CreatedAt, &d.LastSeen, &d.Revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ValidDevice reports whether a token id belongs to a known, unrevoked
// device, and touches its last_seen timestamp when it does.
func (s *Store) ValidDevice(id string) (bool, error) {
	d, err := s.GetDevice(id)
	if err != nil || d == nil || d.Revoked {
		return false, err
	}
	_, err = s.db.Exec(`UPDATE devices SET last_seen = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return true, fmt.Errorf("touch device: %w", err)
	}
	return true, nil
}

func (s *Store) RevokeDevice(id string) error {
	_, err := s.db.Exec(`UPDATE devices SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	return nil
}

// RevokeAllDevices invalidates every issued token. Called when the PIN
// changes.
func (s *Store) RevokeAllDevices() error {
	_, err := s.db.Exec(`UPDATE devices SET revoked = 1`)
	if err != nil {
		return fmt.Errorf("revoke all devices: %w", err)
	}
	return nil
}

func (s *Store) CountDevices() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM devices WHERE revoked = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

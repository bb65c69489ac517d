package store

import "fmt"

// Subscribe records that a device wants push notices on a topic. Idempotent.
func (s *Store) Subscribe(deviceID, topic string) error {
	_, err := s.db.Exec(`INSERT INTO push_subscriptions (device_id, topic) VALUES (?, ?)
		ON CONFLICT(device_id, topic) DO NOTHING`, deviceID, topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *Store) Unsubscribe(deviceID, topic string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE device_id = ? AND topic = ?`, deviceID, topic)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Topics returns the distinct topics with at least one unrevoked subscriber.
func (s *Store) Topics() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT p.topic FROM push_subscriptions p
		JOIN devices d ON d.id = p.device_id WHERE d.revoked = 0 ORDER BY p.topic`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

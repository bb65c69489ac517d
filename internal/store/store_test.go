package store

import (
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.CreateDevice("d1", "test-agent"); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	// Reopening must replay nothing and keep the data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	n, err := s2.CountDevices()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("devices = %d, want 1", n)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s := openTest(t)

	if err := s.CreateDevice("d1", "safari"); err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := s.GetDevice("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d == nil || d.UserAgent != "safari" || d.Revoked {
		t.Fatalf("device = %+v", d)
	}

	ok, err := s.ValidDevice("d1")
	if err != nil || !ok {
		t.Fatalf("valid = %v, %v", ok, err)
	}

	if err := s.RevokeDevice("d1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err = s.ValidDevice("d1")
	if err != nil || ok {
		t.Fatalf("revoked device still valid")
	}
}

func TestGetDeviceMissing(t *testing.T) {
	s := openTest(t)
	d, err := s.GetDevice("ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d != nil {
		t.Errorf("device = %+v", d)
	}
	ok, err := s.ValidDevice("ghost")
	if err != nil || ok {
		t.Errorf("unknown device valid")
	}
}

func TestRevokeAllDevices(t *testing.T) {
	s := openTest(t)
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := s.CreateDevice(id, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.RevokeAllDevices(); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		if ok, _ := s.ValidDevice(id); ok {
			t.Errorf("%s still valid", id)
		}
	}
}

func TestPushTopics(t *testing.T) {
	s := openTest(t)
	if err := s.CreateDevice("d1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateDevice("d2", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, sub := range []struct{ dev, topic string }{
		{"d1", "alpha"}, {"d1", "alpha"}, {"d1", "beta"}, {"d2", "alpha"},
	} {
		if err := s.Subscribe(sub.dev, sub.topic); err != nil {
			t.Fatalf("subscribe %+v: %v", sub, err)
		}
	}

	topics, err := s.Topics()
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("topics = %v", topics)
	}

	// A revoked device's subscriptions disappear from the fan-out set.
	if err := s.RevokeDevice("d1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	topics, err = s.Topics()
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics) != 1 || topics[0] != "alpha" {
		t.Errorf("topics = %v", topics)
	}

	if err := s.Unsubscribe("d2", "alpha"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	topics, _ = s.Topics()
	if len(topics) != 0 {
		t.Errorf("topics = %v", topics)
	}
}

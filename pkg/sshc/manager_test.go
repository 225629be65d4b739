package sshc

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func countingManager(dials *int) *Manager {
	m := NewManager(nil)
	m.dial = func(opts Options, _ *logrus.Logger) (*Client, error) {
		*dials++
		return &Client{opts: opts}, nil
	}
	return m
}

func TestManagerReusesConnection(t *testing.T) {
	dials := 0
	m := countingManager(&dials)

	opts := Options{Host: "db1", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if m.Size() != 1 {
		t.Errorf("cache size = %d, want 1", m.Size())
	}
}

func TestManagerTimeoutChangeRedials(t *testing.T) {
	dials := 0
	m := countingManager(&dials)

	opts := Options{Host: "db1", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("first get: %v", err)
	}
	opts.Timeout = 5 * time.Second
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if m.Size() != 1 {
		t.Errorf("cache size = %d, want 1", m.Size())
	}
}

func TestManagerDistinguishesCredentials(t *testing.T) {
	dials := 0
	m := countingManager(&dials)

	a := Options{Host: "db1", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}
	b := a
	b.Username = "deploy"
	if _, err := m.Get(a); err != nil {
		t.Fatalf("get a: %v", err)
	}
	if _, err := m.Get(b); err != nil {
		t.Fatalf("get b: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if m.Size() != 2 {
		t.Errorf("cache size = %d, want 2", m.Size())
	}
}

func TestManagerDialDoesNotBlockOtherKeys(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	m := NewManager(nil)
	m.dial = func(opts Options, _ *logrus.Logger) (*Client, error) {
		if opts.Host == "slow" {
			close(started)
			<-release
		}
		return &Client{opts: opts}, nil
	}

	slow := Options{Host: "slow", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}
	fast := Options{Host: "fast", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}

	go func() {
		defer close(done)
		if _, err := m.Get(slow); err != nil {
			t.Errorf("get slow: %v", err)
		}
	}()
	<-started

	// The slow handshake is in flight; a different endpoint must still
	// acquire immediately.
	if _, err := m.Get(fast); err != nil {
		t.Fatalf("get fast during slow dial: %v", err)
	}

	close(release)
	<-done
	if m.Size() != 2 {
		t.Errorf("cache size = %d, want 2", m.Size())
	}
}

func TestManagerDialFailureEvictsEntry(t *testing.T) {
	fail := true
	m := NewManager(nil)
	m.dial = func(opts Options, _ *logrus.Logger) (*Client, error) {
		if fail {
			return nil, &net.OpError{Op: "dial"}
		}
		return &Client{opts: opts}, nil
	}

	opts := Options{Host: "db1", Port: 22, Username: "admin", Mode: ModePassword, Password: "pw"}
	if _, err := m.Get(opts); err == nil {
		t.Fatal("expected dial error")
	}
	if m.Size() != 0 {
		t.Errorf("cache size after failed dial = %d, want 0", m.Size())
	}

	fail = false
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("get after failure: %v", err)
	}
	if m.Size() != 1 {
		t.Errorf("cache size = %d, want 1", m.Size())
	}
}

func TestManagerDrop(t *testing.T) {
	dials := 0
	m := countingManager(&dials)

	opts := Options{Host: "db1", Port: 22, Username: "admin", Mode: ModePassword}
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("get: %v", err)
	}
	m.Drop(opts)
	if m.Size() != 0 {
		t.Errorf("cache size = %d, want 0", m.Size())
	}
	if _, err := m.Get(opts); err != nil {
		t.Fatalf("get after drop: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

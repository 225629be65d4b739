package sshc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// cacheKey identifies a logical connection. Credentials are part of the key
// so a credential change never reuses a stale connection.
type cacheKey struct {
	host     string
	port     int
	username string
	mode     string
	password string
	key      string
	hostKey  string
}

type cacheEntry struct {
	// mu serializes dials for this key only; other keys proceed in parallel.
	mu      sync.Mutex
	client  *Client
	created time.Time
	timeout time.Duration
}

// Manager caches SSH connections process-wide so repeated commands against
// the same endpoint reuse a live connection.
type Manager struct {
	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
	log   *logrus.Logger
	// dial is swapped out in tests.
	dial func(Options, *logrus.Logger) (*Client, error)
}

// NewManager creates an empty connection manager.
func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cache: make(map[cacheKey]*cacheEntry),
		log:   log,
		dial:  Connect,
	}
}

func keyFor(opts Options) cacheKey {
	return cacheKey{
		host:     opts.Host,
		port:     opts.Port,
		username: opts.Username,
		mode:     opts.Mode,
		password: opts.Password,
		key:      opts.PrivateKey,
		hostKey:  opts.HostKey,
	}
}

// Get returns a cached connection for the options, dialing a new one when
// none exists. A timeout change invalidates the cached entry for that
// endpoint; other entries are untouched. Acquisition is serialized per key;
// a dial in progress for one endpoint never blocks another.
func (m *Manager) Get(opts Options) (*Client, error) {
	key := keyFor(opts)

	m.mu.Lock()
	entry, ok := m.cache[key]
	if !ok {
		entry = &cacheEntry{}
		m.cache[key] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.client != nil {
		if entry.timeout == opts.timeout() {
			m.log.WithFields(logrus.Fields{
				"host": opts.Host,
				"port": opts.Port,
				"user": opts.Username,
				"mode": opts.Mode,
			}).Debug("using cached SSH connection")
			return entry.client, nil
		}
		entry.client.Close()
		entry.client = nil
	}

	m.log.WithFields(logrus.Fields{
		"host": opts.Host,
		"port": opts.Port,
		"user": opts.Username,
		"mode": opts.Mode,
	}).Info("creating new SSH connection")

	client, err := m.dial(opts, m.log)
	if err != nil {
		m.mu.Lock()
		if m.cache[key] == entry {
			delete(m.cache, key)
		}
		m.mu.Unlock()
		return nil, err
	}
	entry.client = client
	entry.created = time.Now()
	entry.timeout = opts.timeout()
	return client, nil
}

// Drop closes and forgets the cached connection for the options, if any.
func (m *Manager) Drop(opts Options) {
	key := keyFor(opts)

	m.mu.Lock()
	entry, ok := m.cache[key]
	if ok {
		delete(m.cache, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.client != nil {
		entry.client.Close()
		entry.client = nil
	}
	entry.mu.Unlock()
}

// Size returns the number of cached connections.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// CloseAll closes every cached connection. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*cacheEntry, 0, len(m.cache))
	for key, entry := range m.cache {
		entries = append(entries, entry)
		delete(m.cache, key)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.client != nil {
			entry.client.Close()
			entry.client = nil
		}
		entry.mu.Unlock()
	}
}

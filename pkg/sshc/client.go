// Package sshc implements the SSH session layer: connection setup with host
// key verification, a process-wide connection cache, remote command execution
// with privilege elevation, and SFTP file transfer.
package sshc

import (
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Auth modes.
const (
	ModePassword = "p"
	ModeKey      = "k"
)

// DefaultTimeout applies when no connection timeout is configured.
const DefaultTimeout = 60 * time.Second

// Options describe one logical SSH endpoint and how to authenticate to it.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// PrivateKey is the PEM-encoded private key for key auth. RSA, ECDSA and
	// Ed25519 keys are supported.
	PrivateKey string
	// HostKey pins the expected remote host key in base64. When set, any
	// other key fails the connection. When empty the remote key is trusted
	// on first use.
	HostKey string
	Mode    string // p | k
	Timeout time.Duration
}

func (o Options) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, fmt.Sprintf("%d", port))
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Client is an established SSH connection plus its originating options.
type Client struct {
	opts Options
	conn *ssh.Client
	log  *logrus.Entry
}

// Connect dials the endpoint and authenticates.
func Connect(opts Options, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"host": opts.Host,
		"user": opts.Username,
	})

	config := &ssh.ClientConfig{
		User:    opts.Username,
		Timeout: opts.timeout(),
	}

	switch opts.Mode {
	case ModePassword:
		if opts.Password == "" {
			return nil, fmt.Errorf("password auth requires a password")
		}
		config.Auth = []ssh.AuthMethod{ssh.Password(opts.Password)}
	case ModeKey:
		if opts.PrivateKey == "" {
			return nil, fmt.Errorf("key auth requires a private key")
		}
		signer, err := ssh.ParsePrivateKey([]byte(opts.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", opts.Mode)
	}

	if opts.HostKey != "" {
		config.HostKeyCallback = pinnedHostKey(opts.HostKey)
	} else {
		// No pinned key: trust on first use.
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	entry.Debug("dialing SSH endpoint")
	conn, err := ssh.Dial("tcp", opts.addr(), config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.addr(), err)
	}
	return &Client{opts: opts, conn: conn, log: entry}, nil
}

// pinnedHostKey accepts only the host key whose base64 encoding matches.
func pinnedHostKey(expected string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		received := keyBase64(key)
		if received != expected {
			return fmt.Errorf("host key mismatch for %s", hostname)
		}
		return nil
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	if c.log != nil {
		c.log.Debug("closing SSH connection")
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// FetchHostKey dials the endpoint just far enough to capture the remote host
// key and returns it in base64. Pinning is bypassed so an operator can review
// a key before trusting it.
func FetchHostKey(opts Options) (string, error) {
	var captured string
	config := &ssh.ClientConfig{
		User:    opts.Username,
		Timeout: opts.timeout(),
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured = keyBase64(key)
			return nil
		},
	}
	switch opts.Mode {
	case ModePassword:
		config.Auth = []ssh.AuthMethod{ssh.Password(opts.Password)}
	case ModeKey:
		signer, err := ssh.ParsePrivateKey([]byte(opts.PrivateKey))
		if err != nil {
			return "", fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}

	conn, err := ssh.Dial("tcp", opts.addr(), config)
	if err != nil {
		// The handshake may have captured the key before auth failed.
		if captured != "" {
			return captured, nil
		}
		return "", fmt.Errorf("dial %s: %w", opts.addr(), err)
	}
	conn.Close()
	if captured == "" {
		return "", fmt.Errorf("no host key received from %s", opts.addr())
	}
	return captured, nil
}

func keyBase64(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

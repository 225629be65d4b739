package sshc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/sftp"
)

// Upload writes data to remotePath over SFTP, creating or truncating the
// remote file.
func (c *Client) Upload(data []byte, remotePath string) error {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return nil
}

// Download reads the remote file at remotePath over SFTP.
func (c *Client) Download(remotePath string) ([]byte, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", remotePath, err)
	}
	return data, nil
}

// Delete removes the remote file at remotePath over SFTP.
func (c *Client) Delete(remotePath string) error {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	if err := client.Remove(remotePath); err != nil {
		return fmt.Errorf("remove %s: %w", remotePath, err)
	}
	return nil
}

// Exists reports whether a remote file exists at remotePath.
func (c *Client) Exists(remotePath string) (bool, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return false, fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	_, err = client.Stat(remotePath)
	if err != nil {
		return false, nil
	}
	return true, nil
}

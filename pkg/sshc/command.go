package sshc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Sudo modes. Empty string means no elevation.
const (
	SudoWithoutPassword = "n"
	SudoWithPassword    = "p"
)

const sudoPrefix = "sudo -S -p ''"

// PrepareCommand shapes command code for execution with optional privilege
// elevation and a working directory change.
//
// Commands run with password sudo are split on "&&" and run separately one
// after another, each with the password piped to stdin. Without password they
// are joined back into a single invocation. Examples:
//
//	"pwd && ls -l" with sudo "p" becomes:
//	    sudo -S -p '' pwd
//	    sudo -S -p '' ls -l
//
//	with noSplit:
//	    sudo -S -p '' pwd && ls -l
//
// The returned slice has one element unless password sudo splits the command.
func PrepareCommand(code, path, sudo string, noSplit bool) []string {
	var commands []string

	if sudo != "" {
		const separator = "&&"
		if strings.Contains(code, separator) && !noSplit {
			cleaned := strings.ReplaceAll(strings.ReplaceAll(code, "\\", ""), "\n", "")
			for _, part := range strings.Split(cleaned, separator) {
				commands = append(commands, fmt.Sprintf("%s %s", sudoPrefix, strings.TrimSpace(part)))
			}
			if sudo == SudoWithoutPassword {
				commands = []string{strings.Join(commands, " "+separator+" ")}
			}
		} else {
			prefixed := fmt.Sprintf("%s %s", sudoPrefix, code)
			commands = []string{prefixed}
		}
	} else {
		commands = []string{code}
	}

	if path != "" {
		cd := "cd " + path
		// Password sudo keeps the list shape, so the directory change is its
		// own leading element; otherwise it joins the single invocation.
		if sudo == SudoWithPassword {
			commands = append([]string{cd}, commands...)
		} else {
			commands = []string{cd + " && " + commands[0]}
		}
	}

	return commands
}

// AggregateStatus reduces per-command exit statuses to a single code: the
// last non-zero one, or zero when all succeeded. For [0,1,0,4,0] the result
// is 4.
func AggregateStatus(statuses []int) int {
	final := 0
	for _, st := range statuses {
		if st != 0 {
			final = st
		}
	}
	return final
}

// ExecResult is the raw outcome of one remote invocation.
type ExecResult struct {
	Status   int
	Response []string
	Error    []string
}

// Exec runs a single command on the remote host. With password sudo the
// stored password is written to the command's stdin. Transport faults report
// as status 255 with the error text, never as a Go error, matching how a
// remote non-zero exit reports.
func (c *Client) Exec(command, sudo string) ExecResult {
	usePasswordSudo := sudo == SudoWithPassword && c.opts.Username != "root"
	if usePasswordSudo && c.opts.Password == "" {
		return ExecResult{Status: 255, Error: []string{"Sudo password not provided!"}}
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return ExecResult{Status: 255, Error: []string{err.Error()}}
	}
	defer session.Close()

	if usePasswordSudo {
		session.Stdin = strings.NewReader(c.opts.Password + "\n")
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	status := 0
	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		} else {
			return ExecResult{
				Status:   255,
				Response: splitLines(&stdout),
				Error:    append(splitLines(&stderr), err.Error()),
			}
		}
	}

	return ExecResult{
		Status:   status,
		Response: splitLines(&stdout),
		Error:    splitLines(&stderr),
	}
}

// splitLines returns buffer contents as lines with terminators preserved, the
// shape the result parser concatenates back together.
func splitLines(buf *bytes.Buffer) []string {
	if buf.Len() == 0 {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(buf)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text()+"\n")
	}
	return lines
}

package session

import (
	"fmt"
	"regexp"
)

// AllowedShells is the set of shells permitted for sessions. Any shell
// not in this list is rejected by ValidateShell.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

// MaxInputMessageSize is the maximum size in bytes for a single input
// message. Messages exceeding this limit are rejected to prevent DoS.
const MaxInputMessageSize = 64 * 1024 // 64 KB

// MaxResizeCols and MaxResizeRows define upper bounds for resize
// requests. Values beyond these are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// ValidateShell checks the given shell command against the AllowedShells
// whitelist. An empty shell is accepted (the configured default is used).
// "su" and "su - <user>" forms are permitted for switching to a sandboxed
// user, provided they carry no shell metacharacters.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}

	if AllowedShells[shell] {
		return nil
	}

	if len(shell) >= 2 && shell[:2] == "su" {
		if len(shell) == 2 || shell[2] == ' ' || shell[2] == '\t' {
			for _, c := range shell {
				switch c {
				case ';', '&', '|', '$', '`', '(', ')', '{', '}', '<', '>', '\n', '\\', '"', '\'', '!':
					return fmt.Errorf("shell command %q contains forbidden character %q", shell, string(c))
				}
			}
			return nil
		}
	}

	return fmt.Errorf("shell %q is not in the allowed list", shell)
}

// sessionIDPattern restricts ids to filesystem-safe characters, since the
// id becomes a directory name under the socket root.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateSessionID rejects ids that could escape the socket directory or
// collide with special filenames.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q is not a valid identifier", id)
	}
	return nil
}

// ClampResize bounds requested terminal dimensions to safe maximums.
func ClampResize(cols, rows uint16) (uint16, uint16) {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return cols, rows
}

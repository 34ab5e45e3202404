package sink

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
)

// Subprocess delivers each message by spawning command with three
// positional arguments and piping the RFC822 body to its stdin.
type Subprocess struct {
	command string
	log     *slog.Logger
}

// NewSubprocess returns a Subprocess sink that invokes command per message.
func NewSubprocess(command string, log *slog.Logger) *Subprocess {
	return &Subprocess{command: command, log: log}
}

// Deliver spawns the configured command with argv
// <date> <uid> <status>, feeding msg.Body on stdin. A spawn failure is
// warned, not propagated: the row is still considered delivered, matching
// the legacy behavior the spec documents (see DESIGN.md for the
// checkpoint-advances-anyway decision this implies).
func (s *Subprocess) Deliver(msg Message) error {
	date := msg.InternalDate
	uid := fmt.Sprintf("%d", msg.UID)
	status := string(msg.Status)

	cmd := exec.Command(s.command, date, uid, status)
	cmd.Stdin = bytes.NewReader(msg.Body)

	if err := cmd.Run(); err != nil {
		if s.log != nil {
			s.log.Warn("subprocess sink failed", "command", s.command, "uid", msg.UID, "error", err)
		}
		return nil
	}
	return nil
}

// Close is a no-op: each delivery spawns and waits on its own process.
func (s *Subprocess) Close() error { return nil }

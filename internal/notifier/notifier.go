// Package notifier invokes the external notification sink as an opaque
// subprocess.
package notifier

import (
	"bytes"
	"fmt"
	"os/exec"
)

// Notifier invokes a configured external binary with two delivery
// modes, "system" (sink routes internally) and "direct" (user-facing).
// The payload is a pre-formatted message string; success or failure is
// the only signal interpreted from the subprocess.
type Notifier struct {
	// Command is the notifier binary path or name resolved via PATH.
	Command string
	// Args are extra arguments placed before the "--mode" flag, e.g. a
	// webhook URL or account id baked in by config. The message itself is
	// written to the subprocess's stdin.
	Args []string
}

// New constructs a Notifier bound to an external command.
func New(command string, args ...string) *Notifier {
	return &Notifier{Command: command, Args: args}
}

// Notify runs the notifier subprocess with the given delivery mode and
// pre-formatted message. It returns an error on subprocess failure or
// nonzero exit; callers log and do not retry.
func (n *Notifier) Notify(mode, message string) error {
	path, err := exec.LookPath(n.Command)
	if err != nil {
		return fmt.Errorf("notifier: %s not found: %w", n.Command, err)
	}

	args := make([]string, 0, len(n.Args)+2)
	args = append(args, n.Args...)
	args = append(args, "--mode", mode)

	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewBufferString(message)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notifier: %s: %w: %s", n.Command, err, stderr.String())
	}
	return nil
}

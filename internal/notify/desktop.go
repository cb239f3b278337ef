package notify

import (
	"context"
	"fmt"
	"os/exec"
)

const appName = "tabwarden"

// Desktop shows notifications through the freedesktop notify-send binary.
type Desktop struct {
	binary string
	run    func(ctx context.Context, name string, args ...string) error
}

// NewDesktop probes PATH for notify-send. When enabled is false or the
// binary is missing the notifier reports itself unavailable.
func NewDesktop(enabled bool) *Desktop {
	d := &Desktop{run: runCommand}
	if !enabled {
		return d
	}
	if path, err := exec.LookPath("notify-send"); err == nil {
		d.binary = path
	}
	return d
}

func (d *Desktop) Name() string { return "desktop" }

func (d *Desktop) Available() bool { return d != nil && d.binary != "" }

func (d *Desktop) Notify(ctx context.Context, n Notification) error {
	if !d.Available() {
		return fmt.Errorf("desktop notification unavailable")
	}
	args := []string{"--app-name=" + appName, "--urgency=normal", n.Title, n.Message}
	if err := d.run(ctx, d.binary, args...); err != nil {
		return fmt.Errorf("desktop notification failed: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, out)
	}
	return err
}

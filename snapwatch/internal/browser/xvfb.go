package browser

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// display is the Xvfb server a headful Chrome renders into.
type display struct {
	name   string // ":99"
	logger *slog.Logger
	cmd    *exec.Cmd
}

// socketPath returns the X11 socket the server creates for name.
func socketPath(name string) string {
	n := strings.TrimPrefix(name, ":")
	if i := strings.IndexByte(n, '.'); i >= 0 {
		n = n[:i]
	}
	return filepath.Join(os.TempDir(), ".X11-unix", "X"+n)
}

// start launches Xvfb and waits up to 5s for its socket.
func (d *display) start() error {
	if d.cmd != nil {
		return nil
	}
	cmd := exec.Command("Xvfb", d.name, "-screen", "0", "1280x900x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	d.cmd = cmd

	sock := socketPath(d.name)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			d.stop()
			return fmt.Errorf("xvfb %s: socket %s not ready", d.name, sock)
		}
		time.Sleep(50 * time.Millisecond)
	}
	d.logger.Info("browser: xvfb ready", "display", d.name, "pid", cmd.Process.Pid)
	return nil
}

func (d *display) stop() {
	if d.cmd == nil {
		return
	}
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
	}
	d.cmd = nil
	d.logger.Info("browser: xvfb stopped", "display", d.name)
}

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const socketName = "hark.sock"

// ErrAlreadyRunning reports a responsive listener already bound to the socket.
var ErrAlreadyRunning = errors.New("hark listener already running")

// RuntimeSocketPath is the control socket shared by the listener and the
// pause/resume/stop/status commands.
func RuntimeSocketPath() (string, error) {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, socketName), nil
}

// Acquire binds path for a new listener. A stale socket left by a crashed
// listener is removed and rebound; a live one yields ErrAlreadyRunning.
// retries bounds how many times a stale path is reclaimed before giving up.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	for attempt := 0; ; attempt++ {
		listener, err := bind(path)
		if err == nil {
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		if err := reclaim(ctx, path, probeTimeout); err != nil {
			return nil, err
		}
		if attempt >= retries {
			return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, retries)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reclaimBackoff(attempt)):
		}
	}
}

func bind(path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return listener, nil
}

// reclaim unlinks path only when nothing answers on it. An inconclusive probe
// leaves the file in place.
func reclaim(ctx context.Context, path string, probeTimeout time.Duration) error {
	alive, err := Probe(ctx, path, probeTimeout)
	switch {
	case alive:
		return ErrAlreadyRunning
	case err != nil:
		return fmt.Errorf("probe existing socket %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

func reclaimBackoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 25 * time.Millisecond
}

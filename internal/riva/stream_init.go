package riva

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

type openResult struct {
	stream grpc.ClientStream
	err    error
}

// openStreamWithTimeout bounds stream-open latency when backend RPCs stall.
func openStreamWithTimeout(
	ctx context.Context,
	timeout time.Duration,
	open func() (grpc.ClientStream, error),
) (grpc.ClientStream, error) {
	if timeout <= 0 {
		return open()
	}

	resultCh := make(chan openResult, 1)
	go func() {
		stream, err := open()
		resultCh <- openResult{stream: stream, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %s", timeout)
	case result := <-resultCh:
		return result.stream, result.err
	}
}

// runWithTimeout bounds one blocking stream operation (for example the config Send).
func runWithTimeout(ctx context.Context, timeout time.Duration, call func() error) error {
	if timeout <= 0 {
		return call()
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- call()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case err := <-resultCh:
		return err
	}
}

// waitForReady blocks until the connection is Ready, shut down, or ctx ends.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return fmt.Errorf("grpc not ready in state %s: %w", state, ctx.Err())
			}
			return fmt.Errorf("grpc readiness wait ended in state %s", state)
		}
	}
}

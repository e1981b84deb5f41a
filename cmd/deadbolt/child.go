package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/deadbolt/internal/logging"
)

// childWaitDelay is how long a cancelled command gets to exit after SIGTERM
// before it is killed.
const childWaitDelay = 10 * time.Second

// notFoundExitCode matches what shells return for a missing command.
const notFoundExitCode = 127

type childRunner func(ctx context.Context, args []string) (int, error)

// runChild runs args to completion and returns its exit code. Cancelling ctx
// sends SIGTERM. A command killed by a signal reports 128+signal, like a shell.
func (a *app) runChild(ctx context.Context, args []string) (int, error) {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = a.outWriter()
	c.Stderr = a.errWriter()
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = childWaitDelay

	if err := c.Start(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return notFoundExitCode, fmt.Errorf("starting %s: %w", args[0], err)
	}
	logger := logging.LoggerFromContext(ctx)
	logger.Debug().Int("pid", c.Process.Pid).Msg("command started")

	err := c.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	// Wait reports ctx.Err() for a command that exited cleanly after cancellation.
	if err != nil && !errors.Is(err, ctx.Err()) {
		return 1, fmt.Errorf("waiting for %s: %w", args[0], err)
	}
	return 0, nil
}

// supervisor starts the command on gaining leadership and stops it on losing
// it. A command that exits on its own is reported on exited.
type supervisor struct {
	parent context.Context
	args   []string
	run    childRunner
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	exited chan int
}

func newSupervisor(ctx context.Context, args []string, run childRunner, logger zerolog.Logger) *supervisor {
	return &supervisor{
		parent: ctx,
		args:   args,
		run:    run,
		logger: logger,
		exited: make(chan int, 1),
	}
}

func (s *supervisor) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	s.logger.Info().Strs("command", s.args).Msg("starting command")

	go func() {
		defer close(done)

		code, err := s.run(ctx, s.args)
		if ctx.Err() != nil {
			s.logger.Info().Int("exitCode", code).Msg("command stopped")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("command failed to start")
		}
		select {
		case s.exited <- code:
		default:
		}
	}()
}

// stop cancels the running command, if any, and waits for it to exit.
func (s *supervisor) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// deadbolt runs commands under a PostgreSQL session advisory lock.
//
// Usage:
//
//	deadbolt [global options] run   [--] <command> [args...]
//	deadbolt [global options] elect [--] <command> [args...]
//
// run holds the lock for as long as the command runs, like flock(1) across
// hosts, and exits with the command's exit code.
//
// elect campaigns for leadership on the lock and runs the command only while
// leader. If the session behind the lock is lost the command is stopped and
// deadbolt campaigns again. It exits when the command exits on its own or on
// SIGINT/SIGTERM.
//
// Connection settings default to the libpq environment variables (PGHOST,
// PGPORT, PGDATABASE, PGUSER, PGPASSWORD).
//
// Exit codes:
//
//	0:   success
//	1:   lock or connection failure
//	2:   usage error
//	n:   the command's own exit code
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/kneutral-org/deadbolt/internal/config"
)

// Version can be set with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &app{defaults: config.Load()}

	if err := a.command().Run(ctx, os.Args); err != nil {
		return exitCode(err)
	}
	return 0
}

// exitCode maps an error returned by the CLI to a process exit code.
func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(os.Stderr, "usage error: %v\n", usageErr)
		return 2
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// exitError carries the exit code of the supervised command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("command exited with status %d", e.code) }

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

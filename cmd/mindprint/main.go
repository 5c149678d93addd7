// Command mindprint verifies mindprint certificates and records writing
// sessions.
//
// Usage:
//
//	mindprint verify <id> [--server URL | --db path --config path]
//	mindprint verify --file payload.json [--server URL]
//	mindprint show <id> [--server URL]
//	mindprint log audit [--db path --config path]
//	mindprint classify <events.json> [--server URL]
//	mindprint record <events.json> --server URL [--text-file essay.txt]
//
// Every command takes --format text|json. verify and log audit exit 1
// when the certificate or log fails, and 2 on usage or I/O errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mindprint/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != cli.ExitFailure {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}

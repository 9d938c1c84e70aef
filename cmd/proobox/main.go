// Command proobox wires the container manager's components together.
//
// The CLI dispatcher (argument parsing, subcommand routing) lives outside
// this module's scope; main only assembles the application via wire and
// confirms the wiring succeeded, the way an operator would expect a `--help`
// or smoke-test invocation to behave.
package main

import (
	"context"
	"fmt"
	"os"
)

func otelEndpointFromEnv() string {
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
}

func main() {
	ctx := context.Background()

	app, cleanup, err := initializeApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "proobox: startup failed:", err)
		os.Exit(1)
	}
	defer cleanup()

	app.Logger.Info("proobox ready",
		"base", app.Paths.Base(),
	)
}

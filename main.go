package main

import (
	"context"
	"os"

	"github.com/xkilldash9x/marionette-cli/cmd"
)

// main is a thin entry point for `go run .`; the packaged binary with
// signal handling lives in cmd/marionette.
func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tphakala/birdcam-go/cmd"
	"github.com/tphakala/birdcam-go/internal/buildinfo"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// Set through -ldflags "-X main.version=..."
var (
	version   = "dev"
	buildDate = ""
	commit    = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	build := &buildinfo.Context{Version: version, BuildDate: buildDate, Commit: commit}

	rootCmd, app, err := cmd.RootCommand(build)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer app.Close()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Global().Module("main").Error("fatal error", logger.Error(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

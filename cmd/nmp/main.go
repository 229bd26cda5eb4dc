package main

import (
	"log/slog"
	"os"

	"github.com/nmpdev/nmp/internal/cmd"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := cmd.Execute(); err != nil {
		logger.Error("error in app lifecycle", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/rcliao/storyloom/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}

	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

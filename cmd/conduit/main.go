// Command conduit runs the streaming orchestration server and a small
// terminal client for talking to it.
package main

import (
	"log/slog"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelDebug}),
	))
}

var rootCmd = &cobra.Command{
	Use:          "conduit",
	Short:        "Streaming LLM turn orchestration",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, chatCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

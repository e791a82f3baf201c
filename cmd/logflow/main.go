package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		slog.Error("Logflow exited with error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "logflow",
		Usage: "At-least-once log ingestion pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"LOGFLOW_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json)",
				Value: "text",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingress",
				Usage:  "Accept log submissions over HTTP and queue them",
				Action: ingressCommand,
				Flags: append(brokerFlags(),
					&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
				),
			},
			{
				Name:   "processor",
				Usage:  "Classify queued logs and forward them to storage",
				Action: processorCommand,
				Flags: append(brokerFlags(),
					&cli.StringFlag{Name: "id", Usage: `Processor id stamped on entries ("auto" generates one)`},
					&cli.StringFlag{Name: "storage-url", Usage: "Base URL of the storage service"},
					&cli.DurationFlag{Name: "storage-timeout", Usage: "Timeout of one storage call"},
					&cli.IntFlag{Name: "prefetch", Usage: "Unacknowledged deliveries held at once"},
					&cli.IntFlag{Name: "max-deliveries", Usage: "Drop a failing message after this many attempts (0 = never)"},
					&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics and /health on this address"},
				),
			},
			{
				Name:   "storage",
				Usage:  "Store processed logs and serve queries",
				Action: storageCommand,
				Flags:  storageFlags(),
			},
			{
				Name:      "submit",
				Usage:     "Send logs to a running ingress service",
				ArgsUsage: "[message]",
				Action:    submitCommand,
				Flags:     submitFlags(),
			},
			{
				Name:   "standalone",
				Usage:  "Run ingress, processor and storage in one process over an in-memory queue",
				Action: standaloneCommand,
				Flags: append(storageFlags(),
					&cli.StringFlag{Name: "ingress-addr", Usage: "Ingress HTTP listen address"},
				),
			},
		},
	}
}

func brokerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "broker-url", Usage: "NATS server URL"},
		&cli.StringFlag{Name: "queue", Usage: "Queue name"},
		&cli.IntFlag{Name: "connect-attempts", Usage: "Broker connection attempts before giving up"},
		&cli.DurationFlag{Name: "connect-delay", Usage: "Delay between broker connection attempts"},
	}
}

func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
		&cli.StringFlag{Name: "dir", Usage: "Directory of record files"},
		&cli.BoolFlag{Name: "recover", Usage: "Load existing record files into the index at startup"},
		&cli.DurationFlag{Name: "retention", Usage: "Delete record files older than this (0 keeps them)"},
		&cli.DurationFlag{Name: "clean-interval", Usage: "How often the retention cleaner runs"},
	}
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.String("log-format")) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.String("log-format"))
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/coffersTech/logflow/internal/client"
	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/model"
)

func submitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "ingress-url",
			Usage:   "Base URL of the ingress service",
			Value:   "http://localhost:5000",
			EnvVars: []string{"LOGFLOW_INGRESS_URL"},
		},
		&cli.DurationFlag{Name: "timeout", Usage: "Timeout of one request", Value: client.DefaultTimeout},
		&cli.StringFlag{Name: "level", Usage: "Level of the submitted log"},
		&cli.StringFlag{Name: "service", Usage: "Service of the submitted log"},
		&cli.StringSliceFlag{Name: "meta", Aliases: []string{"m"}, Usage: "Metadata as key=value (repeatable)"},
		&cli.StringFlag{Name: "batch", Usage: `Submit the JSON array in this file ("-" reads stdin)`},
		&cli.BoolFlag{Name: "stdin", Usage: "Ship every line of stdin as one log"},
	}
}

// submitCommand sends logs to a running ingress service: one log from the
// arguments, a JSON batch from a file, or stdin line by line.
func submitCommand(c *cli.Context) error {
	cl := client.New(c.String("ingress-url"), client.WithTimeout(c.Duration("timeout")))
	out := c.App.Writer

	switch {
	case c.IsSet("batch"):
		raws, err := readBatch(c.String("batch"), c.App.Reader)
		if err != nil {
			return err
		}
		n, err := cl.SubmitBatch(c.Context, raws)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d logs queued\n", n)
		return nil

	case c.Bool("stdin"):
		meta, err := parseMeta(c.StringSlice("meta"))
		if err != nil {
			return err
		}
		opts := client.HandlerOptions{
			Service:     c.String("service"),
			Level:       client.LevelFromName(c.String("level")),
			ErrorOutput: c.App.ErrWriter,
		}
		n, err := shipLines(cl, opts, meta, c.App.Reader)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d lines shipped\n", n)
		return nil
	}

	if c.NArg() == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: a message argument is required", errors.ErrNoData), "cli", "submit", "read arguments")
	}
	meta, err := parseMeta(c.StringSlice("meta"))
	if err != nil {
		return err
	}

	msg := strings.Join(c.Args().Slice(), " ")
	raw := model.RawLog{Message: &msg, Metadata: meta}
	if c.IsSet("level") {
		level := c.String("level")
		raw.Level = &level
	}
	if c.IsSet("service") {
		svc := c.String("service")
		raw.Service = &svc
	}

	id, err := cl.Submit(c.Context, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}

func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: metadata %q is not key=value", errors.ErrInvalidData, p), "cli", "parseMeta", "parse metadata")
		}
		meta[k] = v
	}
	return meta, nil
}

func readBatch(path string, stdin io.Reader) ([]model.RawLog, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "cli", "readBatch", "open batch file")
		}
		defer f.Close()
		r = f
	}

	var raws []model.RawLog
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, errors.WrapInvalid(err, "cli", "readBatch", "decode batch")
	}
	return raws, nil
}

// shipLines logs each non-empty line at opts.Level through a batching
// client handler and flushes it before returning.
func shipLines(cl *client.Client, opts client.HandlerOptions, meta map[string]any, r io.Reader) (int, error) {
	lvl := opts.Level.Level()
	h := client.NewHandler(cl, opts)
	logger := slog.New(h)
	for k, v := range meta {
		logger = logger.With(k, v)
	}

	n := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		logger.Log(context.Background(), lvl, line)
		n++
	}
	h.Shutdown()

	if err := sc.Err(); err != nil {
		return n, errors.WrapTransient(err, "cli", "shipLines", "read input")
	}
	return n, nil
}

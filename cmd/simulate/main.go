// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Command simulate generates a labelled synthetic tourist dataset.
//
// It writes a CSV (tourist_id,lat,lon,timestamp,is_anomaly,anomaly_type) that
// the server can load through model.seed_data_path, and can optionally replay
// the pings onto the NATS ping subject of a running server.
//
// Example usage:
//
//	simulate -out tourist_data.csv
//	simulate -out - -normal 5 -seed 7
//	simulate -publish nats://127.0.0.1:4222 -interval 200ms
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/trailwatch/internal/config"
	"github.com/tomtom215/trailwatch/internal/geo"
	"github.com/tomtom215/trailwatch/internal/ingest"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/simulate"
)

type options struct {
	out        string
	path       string
	seed       int64
	normal     int
	stops      int
	deviations int
	start      string
	publish    string
	subject    string
	interval   time.Duration
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.StringVar(&o.out, "out", "tourist_data.csv", `output CSV path, "-" for stdout, "" to skip`)
	fs.StringVar(&o.path, "path", config.DefaultReferencePath, "reference path as lat,lon;lat,lon;...")
	fs.Int64Var(&o.seed, "seed", 42, "random seed")
	fs.IntVar(&o.normal, "normal", 1, "tourists walking the path normally")
	fs.IntVar(&o.stops, "stops", 1, "tourists that stop too long")
	fs.IntVar(&o.deviations, "deviations", 1, "tourists that leave the path")
	fs.StringVar(&o.start, "start", "", "first timestamp (YYYY-MM-DD HH:MM:SS, default two hours ago)")
	fs.StringVar(&o.publish, "publish", "", "NATS URL to replay pings to")
	fs.StringVar(&o.subject, "subject", "trailwatch.pings", "NATS subject for replayed pings")
	fs.DurationVar(&o.interval, "interval", 0, "delay between replayed pings")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.normal < 0 || o.stops < 0 || o.deviations < 0 {
		return o, fmt.Errorf("scenario counts must not be negative")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logging.Init(logging.Config{Level: opts.logLevel, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		logging.Fatal().Err(err).Msg("simulation failed")
	}
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	path, err := geo.ParseReferencePath(opts.path)
	if err != nil {
		return fmt.Errorf("reference path: %w", err)
	}

	start := time.Now().UTC().Add(-2 * time.Hour)
	if opts.start != "" {
		if start, err = parseStart(opts.start); err != nil {
			return err
		}
	}

	gen := simulate.NewGenerator(path, opts.seed)
	records := gen.Dataset(simulate.DatasetConfig{
		Start:      start,
		Normal:     opts.normal,
		Stops:      opts.stops,
		Deviations: opts.deviations,
	})

	anomalies := 0
	for _, r := range records {
		if r.IsAnomaly {
			anomalies++
		}
	}
	logging.Info().
		Int("points", len(records)).
		Int("normal", len(records)-anomalies).
		Int("anomalous", anomalies).
		Msg("dataset generated")

	if err := writeDataset(opts.out, records, stdout); err != nil {
		return err
	}

	if opts.publish != "" {
		return replay(ctx, opts, records)
	}
	return nil
}

func parseStart(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid -start %q", s)
}

func writeDataset(out string, records []simulate.Record, stdout io.Writer) error {
	switch out {
	case "":
		return nil
	case "-":
		return simulate.WriteCSV(stdout, records)
	}
	f, err := os.Create(out) //nolint:gosec // operator supplied output path
	if err != nil {
		return err
	}
	if err := simulate.WriteCSV(f, records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logging.Info().Str("file", out).Msg("dataset written")
	return nil
}

func replay(ctx context.Context, opts options, records []simulate.Record) error {
	pub, err := ingest.NewPublisher(ingest.NATSConfig{URL: opts.publish}, ingest.NewLogger())
	if err != nil {
		return err
	}
	defer pub.Close()

	n, err := ingest.Replay(ctx, pub, opts.subject, simulate.Pings(records), opts.interval)
	logging.Info().Int("published", n).Str("subject", opts.subject).Msg("pings replayed")
	return err
}

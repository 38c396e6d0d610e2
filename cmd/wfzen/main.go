// Package main runs WorkFlowZen operator commands against a storage backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workflowzen/wfzen/engine"
	"github.com/workflowzen/wfzen/forms"
	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/metrics"
	"github.com/workflowzen/wfzen/view"

	"github.com/micromdm/nanolib/envflag"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/prometheus/client_golang/prometheus"
)

// overridden by -ldflags -X
var version = "unknown"

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [flags] <command> [args]\n\ncommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(w, "  %-17s %s\n", c.name+" "+c.args, c.help)
	}
	fmt.Fprintln(w, "\nflags:")
	flag.PrintDefaults()
}

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flVersion = flag.Bool("version", false, "print version and exit")
		flStorage = flag.String("storage", "file", "name of storage backend (inmem, file, sqlite, mysql, postgres)")
		flDSN     = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flMetrics = flag.String("metrics-file", "", "write storage metrics in text format to this path")
		flIdleSec = flag.Uint("idle-threshold", uint(engine.DefaultIdleThreshold/time.Second), "seconds before the current step is idle")
		flRemSec  = flag.Uint("remind-interval", uint(engine.DefaultDuration/time.Second), "interval for idle reminders in seconds")
		flLLMTok  = flag.String("llm-token", "", "API token for invoice validation")
		flLLMMod  = flag.String("llm-model", "gpt-4o-mini", "model for invoice validation")
		flLLMURL  = flag.String("llm-base-url", "", "base URL of an OpenAI-compatible API")
	)
	flag.Usage = usage
	envflag.Parse("WFZEN_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := findCommand(flag.Arg(0))
	if !ok {
		logger.Info(logkeys.Error, "unknown command: "+flag.Arg(0))
		os.Exit(2)
	}

	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if *flMetrics != "" {
		reg = prometheus.NewRegistry()
		var err error
		if m, err = metrics.NewMetrics(reg); err != nil {
			logger.Info(logkeys.Message, "registering metrics", logkeys.Error, err)
			os.Exit(1)
		}
	}

	// storage is opened lazily by the records service and reopened
	// after a failed open or migration
	open := func(ctx context.Context) (storage.Storage, error) {
		st, err := parseStorage(ctx, *flStorage, *flDSN)
		if err != nil || m == nil {
			return st, err
		}
		return m.Wrap(st), nil
	}

	svc := records.New(
		open,
		records.WithLogger(logger.With("service", "records")),
		records.WithValidator(forms.Validate),
	)
	views := view.NewSet(svc, view.WithLogger(logger.With("service", "view")))
	idle := time.Duration(*flIdleSec) * time.Second
	eng := engine.New(
		views,
		svc,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithIdleThreshold(idle),
	)

	a := &app{
		logger:   logger,
		svc:      svc,
		views:    views,
		engine:   eng,
		out:      os.Stdout,
		in:       os.Stdin,
		interval: time.Duration(*flRemSec) * time.Second,
		idle:     idle,
		llm: llmConfig{
			token:   *flLLMTok,
			model:   *flLLMMod,
			baseURL: *flLLMURL,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, a, flag.Args()[1:])
	stop()

	if cerr := svc.Close(); cerr != nil {
		logger.Info(logkeys.Message, "closing storage", logkeys.Error, cerr)
	}
	if reg != nil {
		if merr := prometheus.WriteToTextfile(*flMetrics, reg); merr != nil {
			logger.Info(logkeys.Message, "writing metrics", logkeys.Error, merr)
		}
	}

	var uerr *usageError
	switch {
	case errors.As(err, &uerr):
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s %s %s\n", os.Args[0], cmd.name, cmd.args)
		os.Exit(2)
	case err != nil:
		logger.Info(logkeys.Message, cmd.name, logkeys.Error, err)
		os.Exit(1)
	}
}

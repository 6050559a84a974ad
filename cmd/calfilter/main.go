package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"

	"calfilter/internal/config"
	appLog "calfilter/internal/log"
)

const version = "0.1.0"

type args struct {
	Config  string `arg:"-c,--config,env:CALFILTER_CONFIG" help:"path to config file"`
	Listen  string `arg:"--listen" help:"HTTP listen address (overrides config if set)"`
	Filter  string `arg:"-f,--filter" help:"filter name or ISO 8601 duration (overrides default_filter)"`
	Once    bool   `arg:"--once" help:"print the matching items once and exit"`
	Verbose bool   `arg:"-v,--verbose" help:"enable debug logging"`
}

func (a *args) Version() string {
	return "calfilter " + version
}

func main() {
	a := args{Config: "./config.yaml"}

	// Parse arguments. Exit early on parsing error, validation error,
	// or a help or version request.
	arg.MustParse(&a)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, &a); err != nil {
		msg := strings.TrimSuffix(err.Error(), "\n")
		if msg != "" {
			fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, a *args) error {
	conf, err := config.Load(a.Config)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", a.Config)
		return err
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if a.Verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	// CLI flags override the config file.
	if a.Listen != "" {
		conf.Listen = a.Listen
	}
	if a.Filter != "" {
		conf.DefaultFilter = a.Filter
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"refresh", conf.RefreshCron,
		"default_filter", conf.DefaultFilter,
		"item_type", conf.ItemType,
		"calendar_count", len(conf.Calendars),
		"once", a.Once,
	)

	app, err := newApp(ctx, conf)
	if err != nil {
		return err
	}
	defer app.Close()

	if a.Once {
		return app.printOnce(ctx, w)
	}
	return app.serve(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/config"
	"github.com/you/gnasty-spam/internal/core"
	"github.com/you/gnasty-spam/internal/httpapi"
	"github.com/you/gnasty-spam/internal/metrics"
	"github.com/you/gnasty-spam/internal/platform"
	"github.com/you/gnasty-spam/internal/spam"
	"github.com/you/gnasty-spam/internal/store"
	"github.com/you/gnasty-spam/internal/version"
	"github.com/you/gnasty-spam/internal/watch"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

const usageText = `usage: gnasty-spam [flags] <command> [args]

commands:
  createchannel NAME ID           register a channel
  parsetopspam FILE               aggregate an export and store its top spam
  gettopspam CHANNEL STREAM       print stored top spam
  storechatlog FILE               store an export as the chat log of its stream
  querychatlog FILTER...          print chat log rows matching "<column> <op> <value>"
  gettopspam2 CHANNEL STREAM      compute top spam from the stored chat log
  viewership CHANNEL STREAM       print per-minute viewer and message counts
  serve                           serve the read commands over HTTP
  watch FILE...                   re-ingest exports whenever they change
  version                         print build version

flags:
`

// usageError marks a bad command line; it maps to exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// command is a parsed command line.
type command struct {
	name    string
	channel core.Channel
	file    string
	scope   core.Scope
	filters []string
	files   []string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gnasty-spam", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	var (
		envFile     string
		dbPath      string
		threshold   int
		ascending   bool
		logLevel    string
		logFormat   string
		metricsFile string
		httpAddr    string
	)
	fs.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	fs.StringVar(&dbPath, "sqlite", "twitch.db", "Path to SQLite database file")
	fs.IntVar(&threshold, "threshold", core.DefaultSpamThreshold, "Occurrence count a spam text must exceed")
	fs.BoolVar(&ascending, "ascending", false, "Sort parsed spam by occurrences ascending")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	fs.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the command")
	fs.StringVar(&httpAddr, "http-addr", ":8765", "Listen address for serve")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	overrides := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	dotenvErr := config.LoadDotEnv(envFile)
	cfg := config.Load()
	if overrides["sqlite"] {
		cfg.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["threshold"] {
		if threshold < 0 {
			fmt.Fprintln(stderr, "threshold must not be negative")
			return exitUsage
		}
		cfg.Spam.Threshold = threshold
	}
	if overrides["ascending"] {
		cfg.Spam.Ascending = ascending
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if overrides["log-format"] {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(logFormat))
	}
	if overrides["metrics-file"] {
		cfg.Metrics.TextfilePath = strings.TrimSpace(metricsFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}

	logger := newLogger(cfg, stderr).With("run_id", uuid.NewString())
	if dotenvErr != nil {
		logger.Warn("gnasty-spam: env file ignored", "err", dotenvErr)
	}

	cmd, err := parseCommand(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "gnasty-spam: %v\n", err)
		fs.Usage()
		return exitUsage
	}
	if cmd.name == "version" {
		fmt.Fprintf(stdout, "gnasty-spam version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return exitOK
	}

	logger.Debug("gnasty-spam: starting", "command", cmd.name, "config", string(cfg.SummaryJSON()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	err = execute(ctx, cmd, cfg, m, logger, stdout)
	if werr := m.WriteTextfile(cfg.Metrics.TextfilePath); werr != nil {
		logger.Warn("gnasty-spam: write metrics textfile", "path", cfg.Metrics.TextfilePath, "err", werr)
	}
	if err != nil {
		logger.Error("gnasty-spam: command failed", "command", cmd.name, "err", err)
		return exitFail
	}
	return exitOK
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, ok := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if !ok {
		logger.Warn("gnasty-spam: unknown log level, using info", "level", cfg.Log.Level)
	}
	return logger
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, usagef("missing command")
	}
	cmd := command{name: args[0]}
	rest := args[1:]

	switch cmd.name {
	case "version", "serve":
		if len(rest) != 0 {
			return command{}, usagef("%s takes no arguments", cmd.name)
		}
	case "createchannel":
		if len(rest) != 2 {
			return command{}, usagef("createchannel needs NAME ID")
		}
		id, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return command{}, usagef("channel id %q is not an integer", rest[1])
		}
		cmd.channel = core.Channel{ID: id, Name: rest[0]}
	case "parsetopspam", "storechatlog":
		if len(rest) != 1 {
			return command{}, usagef("%s needs FILE", cmd.name)
		}
		cmd.file = rest[0]
	case "gettopspam", "gettopspam2", "viewership":
		if len(rest) != 2 {
			return command{}, usagef("%s needs CHANNEL STREAM", cmd.name)
		}
		scope, err := parseScope(rest[0], rest[1])
		if err != nil {
			return command{}, err
		}
		cmd.scope = scope
	case "querychatlog":
		if len(rest) == 0 {
			return command{}, usagef("querychatlog needs at least one FILTER")
		}
		cmd.filters = rest
	case "watch":
		if len(rest) == 0 {
			return command{}, usagef("watch needs at least one FILE")
		}
		cmd.files = rest
	default:
		return command{}, usagef("unknown command %q", cmd.name)
	}
	return cmd, nil
}

func parseScope(channel, stream string) (core.Scope, error) {
	channelID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return core.Scope{}, usagef("channel id %q is not an integer", channel)
	}
	streamID, err := strconv.ParseInt(stream, 10, 64)
	if err != nil {
		return core.Scope{}, usagef("stream id %q is not an integer", stream)
	}
	return core.Scope{ChannelID: channelID, StreamID: streamID}, nil
}

// ingestResult is printed by the commands that write an export.
type ingestResult struct {
	ChannelID int64 `json:"channel_id"`
	StreamID  int64 `json:"stream_id"`
	Inserted  int   `json:"inserted"`
}

func execute(ctx context.Context, cmd command, cfg config.Config, m *metrics.Metrics, logger *slog.Logger, stdout io.Writer) error {
	st, err := store.Open(ctx, cfg.SQLite.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("gnasty-spam: close store", "err", cerr)
		}
	}()

	svc := platform.New(st, platform.Options{
		Spam:    spam.Options{Threshold: cfg.Spam.Threshold, Ascending: cfg.Spam.Ascending},
		Logger:  logger,
		Metrics: m,
	})

	var out any
	switch cmd.name {
	case "createchannel":
		ch, err := svc.CreateChannel(ctx, cmd.channel.ID, cmd.channel.Name)
		if err != nil {
			return err
		}
		out = ch
	case "parsetopspam":
		scope, n, err := svc.ParseTopSpam(ctx, cmd.file)
		if err != nil {
			return err
		}
		out = ingestResult{ChannelID: scope.ChannelID, StreamID: scope.StreamID, Inserted: n}
	case "gettopspam":
		cands, err := svc.GetTopSpam(ctx, cmd.scope)
		if err != nil {
			return err
		}
		out = core.SpamRecords(cands)
	case "storechatlog":
		scope, n, err := svc.StoreChatLog(ctx, cmd.file)
		if err != nil {
			return err
		}
		out = ingestResult{ChannelID: scope.ChannelID, StreamID: scope.StreamID, Inserted: n}
	case "querychatlog":
		msgs, err := svc.QueryChatLog(ctx, cmd.filters)
		if err != nil {
			return err
		}
		out = core.MessageRecords(msgs)
	case "gettopspam2":
		cands, err := svc.TopSpamFromLog(ctx, cmd.scope)
		if err != nil {
			return err
		}
		out = core.SpamRecords(cands)
	case "viewership":
		v, err := svc.Viewership(ctx, cmd.scope)
		if err != nil {
			return err
		}
		out = v
	case "serve":
		return serve(ctx, svc, st, cfg, m, logger)
	case "watch":
		return watchExports(ctx, svc, cmd.files, logger)
	default:
		return errors.Errorf("unhandled command %q", cmd.name)
	}

	return json.NewEncoder(stdout).Encode(out)
}

func serve(ctx context.Context, svc *platform.Service, st *store.Store, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) error {
	srv := httpapi.New(svc, httpapi.Options{
		Addr:          cfg.HTTP.Addr,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		RateRPS:       cfg.HTTP.RateRPS,
		RateBurst:     cfg.HTTP.RateBurst,
		AccessLog:     cfg.HTTP.AccessLog,
		Build:         httpapi.BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.BuiltAt()},
		StoreName:     st.String(),
		SpamThreshold: cfg.Spam.Threshold,
		Ping:          st.Ping,
		Logger:        logger,
		Metrics:       m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("gnasty-spam: shutting down http api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return <-errCh
}

func watchExports(ctx context.Context, svc *platform.Service, files []string, logger *slog.Logger) error {
	w := watch.New(func(ctx context.Context, path string) error {
		scope, stored, err := svc.StoreChatLog(ctx, path)
		if err != nil {
			return err
		}
		_, spamCount, err := svc.ParseTopSpam(ctx, path)
		if err != nil {
			return err
		}
		if stored > 0 {
			logger.Info("gnasty-spam: ingested export", "file", path, "scope", scope.String(), "messages", stored, "spam", spamCount)
		}
		return nil
	}, watch.Options{Initial: true, Logger: logger})
	return w.Run(ctx, files...)
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/config"
	"github.com/rickgao/nostr-pool/internal/policy"
	"github.com/rickgao/nostr-pool/internal/pool"
	"github.com/rickgao/nostr-pool/internal/relay"
	"github.com/rickgao/nostr-pool/internal/store"
	"github.com/rickgao/nostr-pool/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: nostrpool [flags] <command>

commands:
  stream     subscribe and print events as JSON lines
  publish    read events as JSON lines from stdin and publish them
  sync       reconcile the local store against the relays
  count      ask the relays how many events match

flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "configs/pool.local.yaml", "path to config file")
	kinds := flag.String("kinds", "", "comma-separated event kinds to match")
	authors := flag.String("authors", "", "comma-separated author pubkeys to match")
	limit := flag.Int("limit", 0, "stored-event limit for stream filters")
	since := flag.Duration("since", 0, "only match events newer than this age")
	dryRun := flag.Bool("dry-run", false, "sync: report differences without transferring")
	direction := flag.String("direction", "both", "sync: up, down or both")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	command := flag.Arg(0)
	if command == "" {
		command = "stream"
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting nostrpool",
		"version", version.Version,
		"commit", version.Commit,
		"command", command,
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	p, cleanup, err := buildPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build pool", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	defer p.Shutdown()

	for _, rc := range cfg.Relays {
		flags := parseFlags(rc.Flags)
		if _, err := p.AddRelay(ctx, rc.URL, flags); err != nil {
			logger.Error("failed to add relay", "relay", rc.URL, "error", err)
			os.Exit(1)
		}
	}

	if err := p.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	waitForRelays(ctx, p, cfg.Connection.ConnectTimeout)

	filter := buildFilter(*kinds, *authors, *limit, *since)

	switch command {
	case "stream":
		err = runStream(ctx, p, filter, logger)
	case "publish":
		err = runPublish(ctx, p, logger)
	case "sync":
		err = runSync(ctx, p, filter, *dryRun, *direction, logger)
	case "count":
		err = runCount(ctx, p, filter)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pool.Pool, func(), error) {
	cleanup := func() {}

	var eventStore store.EventStore
	switch cfg.Store.Backend {
	case "memory":
		eventStore = store.NewMemory()
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.DBConfig{
			Host:     cfg.Store.Postgres.Host,
			Port:     cfg.Store.Postgres.Port,
			Name:     cfg.Store.Postgres.Name,
			User:     cfg.Store.Postgres.User,
			Password: cfg.Store.Postgres.Password,
			SSLMode:  cfg.Store.Postgres.SSLMode,
			MaxConns: cfg.Store.Postgres.MaxConns,
			MinConns: cfg.Store.Postgres.MinConns,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
		}
		eventStore = pg
		cleanup = pg.Close
	}

	var seen store.SeenTracker
	switch cfg.Seen.Backend {
	case "redis":
		rs, err := store.NewRedisSeen(ctx, cfg.Seen.Redis.URL, cfg.Seen.Redis.Prefix, cfg.Seen.Redis.TTL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect redis: %w", err)
		}
		seen = rs
		prev := cleanup
		cleanup = func() {
			rs.Close()
			prev()
		}
	default:
		seen = store.NewMemorySeen(cfg.Seen.MaxSize)
	}

	relayOpts := relay.Options{
		ConnectTimeout:        cfg.Connection.ConnectTimeout,
		ReconnectBase:         cfg.Connection.ReconnectBaseDelay,
		ReconnectMax:          cfg.Connection.ReconnectMaxDelay,
		StabilityThreshold:    cfg.Connection.StabilityThreshold,
		PingInterval:          cfg.Connection.PingInterval,
		PingMaxMisses:         cfg.Connection.PingMaxMisses,
		SendTimeout:           cfg.Connection.SendTimeout,
		SendQueueSize:         cfg.Connection.SendQueueSize,
		MaxProtocolViolations: cfg.Connection.MaxProtocolViolations,
		VerifyEvents:          cfg.Connection.VerifyEvents,
		Logger:                logger,
	}

	p := pool.New(pool.Options{
		Relay: relayOpts,
		Limits: &policy.LimiterConfig{
			ReqPerSecond:    cfg.Limits.ReqPerSecond,
			ReqBurst:        cfg.Limits.ReqBurst,
			EventsPerMinute: cfg.Limits.EventsPerMinute,
			EventBurst:      cfg.Limits.EventBurst,
		},
		Store:              eventStore,
		Seen:               seen,
		NotificationBuffer: cfg.Notifications.BufferSize,
		Logger:             logger,
	})
	return p, cleanup, nil
}

func parseFlags(names []string) relay.ServiceFlags {
	var flags relay.ServiceFlags
	for _, name := range names {
		if f, ok := relay.ParseFlag(name); ok {
			flags = flags.Add(f)
		}
	}
	if flags == 0 {
		flags = relay.FlagDefault
	}
	return flags
}

func buildFilter(kinds, authors string, limit int, since time.Duration) nostr.Filter {
	var filter nostr.Filter
	for _, k := range strings.Split(kinds, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if n, err := strconv.Atoi(k); err == nil {
			filter.Kinds = append(filter.Kinds, n)
		}
	}
	for _, a := range strings.Split(authors, ",") {
		if a = strings.TrimSpace(a); a != "" {
			filter.Authors = append(filter.Authors, a)
		}
	}
	if limit > 0 {
		filter.Limit = limit
	}
	if since > 0 {
		ts := nostr.Timestamp(time.Now().Add(-since).Unix())
		filter.Since = &ts
	}
	return filter
}

func waitForRelays(ctx context.Context, p *pool.Pool, timeout time.Duration) {
	for _, r := range p.Relays() {
		if err := r.WaitForConnection(ctx, timeout); err != nil {
			slog.Warn("relay not ready", "relay", r.URL(), "error", err)
		}
	}
}

func runStream(ctx context.Context, p *pool.Pool, filter nostr.Filter, logger *slog.Logger) error {
	notifications, cancel := p.Notifications()
	defer cancel()

	subID, err := p.Subscribe(ctx, []nostr.Filter{filter}, relay.ExitNever())
	if err != nil {
		return err
	}
	defer p.Unsubscribe(context.Background(), subID)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			switch m := n.(type) {
			case relay.EventNotification:
				if err := enc.Encode(m.Event); err != nil {
					return err
				}
			case relay.LaggedNotification:
				logger.Warn("stream lagged", "dropped", m.Dropped)
			case relay.ShutdownNotification:
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func runPublish(ctx context.Context, p *pool.Pool, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	published := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.Warn("skipping invalid event", "error", err)
			continue
		}

		out, err := p.SendEvent(ctx, &ev)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		logger.Info("event published",
			"event", ev.ID,
			"ok", len(out.Success),
			"failed", len(out.Failed),
		)
		published++
	}
	logger.Info("publish complete", "events", published)
	return scanner.Err()
}

func runSync(ctx context.Context, p *pool.Pool, filter nostr.Filter, dryRun bool, direction string, logger *slog.Logger) error {
	opts := pool.SyncOptions{DryRun: dryRun}
	switch direction {
	case "up":
		opts.Direction = pool.SyncUp
	case "down":
		opts.Direction = pool.SyncDown
	case "both":
		opts.Direction = pool.SyncBoth
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}

	report, err := p.Sync(ctx, filter, opts)
	if err != nil {
		return err
	}
	for url, rs := range report.Relays {
		if rs.Err != nil {
			logger.Warn("sync failed", "relay", url, "error", rs.Err)
			continue
		}
		logger.Info("sync complete",
			"relay", url,
			"local_only", rs.LocalOnly,
			"remote_only", rs.RemoteOnly,
			"sent", rs.Sent,
			"received", rs.Received,
		)
	}
	return nil
}

func runCount(ctx context.Context, p *pool.Pool, filter nostr.Filter) error {
	n, err := p.Count(ctx, []nostr.Filter{filter})
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

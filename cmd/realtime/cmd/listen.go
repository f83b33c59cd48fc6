package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/altan/realtime/pkg/realtime/config"
	"github.com/altan/realtime/pkg/realtime/conn"
	"github.com/altan/realtime/pkg/realtime/deployment"
	"github.com/altan/realtime/pkg/realtime/deployment/store"
	"github.com/altan/realtime/pkg/realtime/o11y"
	"github.com/altan/realtime/pkg/realtime/otel"
	"github.com/altan/realtime/pkg/realtime/router"
	"github.com/altan/realtime/pkg/realtime/session"
	"github.com/altan/realtime/pkg/realtime/subscriptions"
	"github.com/altan/realtime/pkg/realtime/wire"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen [config-files-or-directories...]",
	Short: "Connect to the gateway and print events",
	Long: `Connect to the realtime gateway for an account, subscribe to the
configured channels and keep deployment state in sync. Frames that are not
deployment events are printed to stdout as "type<TAB>json", or through the
--jq filter when one is given.

Flags override values loaded from configuration files.

Examples:
  realtime listen realtime.hcl
  realtime listen --account acc-1 --token "$ALTAN_TOKEN" --subscribe account:acc-1
  realtime listen ./conf/ --jq 'select(.type == "message.created") | .data'`,
	RunE: runListen,
}

type listenOptions struct {
	gateway      string
	accountID    string
	token        string
	live         []string
	patterns     []string
	jq           string
	redisAddr    string
	useOtel      bool
	noReconnect  bool
	dialTimeout  time.Duration
	writeTimeout time.Duration
}

var listenOpts listenOptions

func init() {
	rootCmd.AddCommand(listenCmd)

	flags := listenCmd.Flags()
	flags.StringVar(&listenOpts.gateway, "gateway", "", "gateway base URL (default "+conn.DefaultGatewayURL+")")
	flags.StringVar(&listenOpts.accountID, "account", "", "account id")
	flags.StringVar(&listenOpts.token, "token", os.Getenv("ALTAN_TOKEN"), "bearer token (default $ALTAN_TOKEN)")
	flags.StringSliceVar(&listenOpts.live, "subscribe", nil, "live channel to subscribe to (repeatable)")
	flags.StringSliceVar(&listenOpts.patterns, "pattern", nil, "pattern channel to subscribe to (repeatable)")
	flags.StringVar(&listenOpts.jq, "jq", "", "jq query applied to printed frames ($type holds the frame type)")
	flags.StringVar(&listenOpts.redisAddr, "redis", "", "keep deployment state in Redis at this address")
	flags.BoolVar(&listenOpts.useOtel, "otel", false, "record metrics and traces with the global OpenTelemetry providers")
	flags.BoolVar(&listenOpts.noReconnect, "no-reconnect", false, "do not reconnect when the connection drops")
	flags.DurationVar(&listenOpts.dialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	flags.DurationVar(&listenOpts.writeTimeout, "write-timeout", 10*time.Second, "WebSocket write timeout")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadListenConfig(cmd, args, listenOpts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return listen(ctx, cfg, listenOpts, logger, cmd.OutOrStdout())
}

// loadListenConfig reads the configuration sources and applies the flags
// that were set on top of them.
func loadListenConfig(cmd *cobra.Command, args []string, opts listenOptions, logger *zap.Logger) (*config.Config, error) {
	cfg := config.Default()
	if len(args) > 0 {
		sources := make([]any, len(args))
		for i, arg := range args {
			sources[i] = arg
		}

		built, diags := config.NewConfig().WithLogger(logger).WithSources(sources...).Build()
		if diags.HasErrors() {
			logger.Error("Failed to build config", zap.Any("diags", diags))
			return nil, diags
		}
		cfg = built
	}

	flags := cmd.Flags()
	if flags.Changed("gateway") {
		cfg.GatewayURL = opts.gateway
	}
	if flags.Changed("account") {
		cfg.AccountID = opts.accountID
	}
	if flags.Changed("token") || (cfg.Token == "" && opts.token != "") {
		cfg.Token = opts.token
	}
	if flags.Changed("redis") {
		cfg.Redis = &config.Redis{Addr: opts.redisAddr}
	}
	if opts.noReconnect {
		cfg.Reconnect.Auto = false
	}
	for _, channel := range opts.live {
		cfg.Subscriptions = append(cfg.Subscriptions, subscriptions.Request{Channel: channel, Kind: wire.KindLive})
	}
	for _, channel := range opts.patterns {
		cfg.Subscriptions = append(cfg.Subscriptions, subscriptions.Request{Channel: channel, Kind: wire.KindPattern})
	}

	if cfg.AccountID == "" {
		return nil, conn.ErrMissingAccountID
	}
	return cfg, nil
}

// listen runs one client until ctx is done.
func listen(ctx context.Context, cfg *config.Config, opts listenOptions, logger *zap.Logger, out io.Writer) error {
	var (
		metrics o11y.MetricsProvider
		tracing o11y.TracingProvider
	)
	if opts.useOtel {
		provider := otel.NewProvider("realtime", version)
		metrics, tracing = provider, provider
	} else if cfg.Metrics.Interval > 0 {
		recorder := o11y.NewRecorder(logger, &o11y.RecorderConfig{Interval: cfg.Metrics.Interval})
		recorder.Start()
		defer recorder.Stop()
		metrics = recorder
	}

	deployments, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	handler, err := deployment.NewHandler().
		WithStore(deployments).
		WithLogger(logger).
		WithCompletionDelay(cfg.CompletionDelay).
		WithTracing(tracing).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create deployment handler: %w", err)
	}

	printer := &framePrinter{out: out}
	if opts.jq != "" {
		if printer.filter, err = newFrameFilter(opts.jq); err != nil {
			return err
		}
	}

	r := router.New(logger)
	r.Handle("deployment/#", handler)
	r.Fallback(router.HandlerFunc(func(ctx context.Context, frame wire.Frame) {
		if err := printer.Print(ctx, frame); err != nil {
			logger.Warn("Failed to print frame", zap.String("type", frame.Type()), zap.Error(err))
		}
	}))

	manager, err := conn.NewManager().
		WithGatewayURL(cfg.GatewayURL).
		WithLogger(logger).
		WithRetryPolicy(cfg.Reconnect.Policy()).
		WithMetrics(metrics).
		WithDialTimeout(opts.dialTimeout).
		WithWriteTimeout(opts.writeTimeout).
		WithResubscribeOnReconnect(true).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Close()

	sess, err := session.NewSession().
		WithManager(manager).
		WithRouter(r).
		WithTokens(session.StaticToken(cfg.Token)).
		WithAccountID(cfg.AccountID).
		WithLogger(logger).
		WithAutoReconnect(cfg.Reconnect.Auto).
		WithSubscribedHook(func(n conn.Subscribed) {
			logger.Info("Subscribed", zap.Strings("channels", n.Channels), zap.String("kind", string(n.Kind)))
		}).
		Build()
	if err != nil {
		return err
	}

	if len(cfg.Subscriptions) == 0 {
		logger.Warn("No channels configured; only unsolicited frames will arrive")
	}
	for _, group := range groupByKind(cfg.Subscriptions) {
		if err := sess.SubscribeAll(group.channels, group.kind); err != nil {
			return fmt.Errorf("failed to subscribe to %v: %w", group.channels, err)
		}
	}

	logger.Info("Connecting",
		zap.String("endpoint", manager.Endpoint(cfg.AccountID)),
		zap.Int("subscriptions", len(cfg.Subscriptions)),
	)
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	err = sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutdown complete")
		return nil
	}
	return err
}

// openStore selects Redis when configured, otherwise an in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (deployment.Store, func(), error) {
	if cfg.Redis == nil {
		return store.NewMemory(logger), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("Keeping deployment state in Redis", zap.String("addr", cfg.Redis.Addr))
	return store.NewRedis(client, cfg.Redis.Prefix, logger), func() { _ = client.Close() }, nil
}

type channelGroup struct {
	kind     wire.Kind
	channels []string
}

// groupByKind merges consecutive subscriptions of the same kind so each
// group is requested at once.
func groupByKind(reqs []subscriptions.Request) []channelGroup {
	var groups []channelGroup
	for _, req := range reqs {
		kind := req.Kind.OrDefault()
		if n := len(groups); n > 0 && groups[n-1].kind == kind {
			groups[n-1].channels = append(groups[n-1].channels, req.Channel)
			continue
		}
		groups = append(groups, channelGroup{kind: kind, channels: []string{req.Channel}})
	}
	return groups
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nbuy/shopchat/internal/assistant"
	"github.com/nbuy/shopchat/internal/auth"
	"github.com/nbuy/shopchat/internal/bus"
	"github.com/nbuy/shopchat/internal/chat"
	"github.com/nbuy/shopchat/internal/contextcache"
	"github.com/nbuy/shopchat/internal/gateway"
	"github.com/nbuy/shopchat/internal/providers"
	"github.com/nbuy/shopchat/internal/redis"
)

var (
	serverPort   int
	serverHost   string
	serverAPIKey string
)

var serverCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the chat gateway (WebSocket, health and status endpoints)",
	Long: `Start the shopchat gateway with:
  - WebSocket chat at /ws/chat/ (JWT handshake, per-session ordering)
  - Store context for product and sales questions, cached per session
  - AI answers under a hard deadline, with canned fallbacks
  - Optional Redis relay so broadcasts reach every instance

SIGHUP reloads the AI settings and prompt templates without dropping sockets.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "HTTP port (or SHOPCHAT_PORT env)")
	serverCmd.Flags().StringVar(&serverHost, "host", "", "Listen host (or SHOPCHAT_HOST env)")
	serverCmd.Flags().StringVar(&serverAPIKey, "api-key", "", "Bearer key for /api/status (or SHOPCHAT_API_KEY env)")
}

func runServer(cmd *cobra.Command, args []string) error {
	// --- Resolve settings: config.json → env var → CLI flag ---
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverAPIKey != "" {
		cfg.Server.APIKey = serverAPIKey
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Store and transcripts
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	recorder, err := makeRecorder(cfg, st)
	if err != nil {
		return err
	}

	// 2. Generator (hot-swappable) and answer proxy
	gen, spec, err := makeGenerator(ctx, cfg)
	switch {
	case errors.Is(err, providers.ErrNotConfigured):
		logger.Warn("ai backend not configured, answering offline", zap.Error(err))
		gen = nil
	case err != nil:
		return err
	}
	dyn := providers.NewDynamic(gen)

	tpl, err := loadTemplates(cfg)
	if err != nil {
		return err
	}
	proxy := assistant.New(dyn,
		assistant.WithTimeout(cfg.AI.Timeout()),
		assistant.WithTemplates(tpl),
		assistant.WithLogger(logger),
	)
	logger.Info("assistant ready",
		zap.String("provider", spec.Label()),
		zap.String("generator", dyn.Name()),
		zap.Duration("timeout", proxy.Timeout()))

	// 3. Broadcast bus with optional cross-instance relay
	b := bus.New(logger)
	relay, err := redis.Connect(ctx, redis.Config{
		URL:           cfg.Redis.URL,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		ChannelPrefix: cfg.Redis.ChannelPrefix,
	}, logger)
	var relayStatus gateway.RelayStatus
	switch {
	case err == nil:
		defer relay.Close()
		b.SetRelay(relay)
		relayStatus = relay
	case errors.Is(err, redis.ErrNotConfigured):
	default:
		logger.Warn("redis relay unavailable, broadcasting locally", zap.Error(err))
		relay = nil
	}

	// 4. Gateway
	srv := gateway.NewServer(gateway.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		APIKey:         cfg.Server.APIKey,
		InstanceID:     cfg.Server.InstanceID,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval(),
		ReadTimeout:    cfg.Server.ReadTimeout(),
		Chat: chat.Config{
			Validator: auth.NewValidator(cfg.Auth.Secret,
				auth.WithLeeway(time.Duration(cfg.Auth.LeewaySeconds)*time.Second),
				auth.WithDirectory(st)),
			Responder: proxy,
			Source:    st,
			CacheOptions: []contextcache.Option{
				contextcache.WithTTL(cfg.Cache.TTL()),
				contextcache.WithSalesCaching(cfg.Cache.CacheSales),
				contextcache.WithLogger(logger),
			},
			Recorder: recorder,
			Bus:      b,
			BotName:  cfg.AI.BotName,
			Logger:   logger,
		},
		Store:     st,
		Relay:     relayStatus,
		Generator: dyn,
		Logger:    logger,
	})
	defer srv.Stop()

	// 5. SIGHUP reload
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadAssistant(ctx, dyn, proxy, logger)
			}
		}
	}()

	// 6. Serve (blocks)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if relay != nil {
		g.Go(func() error {
			err := relay.Run(gctx, func(group string, ev bus.Event) { b.HandleRelayed(group, ev) })
			if err != nil {
				logger.Warn("relay stopped, broadcasting locally", zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()
	logger.Info("shut down")
	return err
}

// reloadAssistant re-reads the config and hot-swaps the generator and
// templates. On any error the current ones stay in place.
func reloadAssistant(ctx context.Context, dyn *providers.Dynamic, proxy *assistant.Proxy, logger *zap.Logger) {
	logger.Info("SIGHUP received, reloading ai settings")
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn("reload failed", zap.Error(err))
		return
	}
	tpl, err := loadTemplates(cfg)
	if err != nil {
		logger.Warn("reload failed", zap.Error(err))
		return
	}
	gen, _, err := makeGenerator(ctx, cfg)
	if err != nil && !errors.Is(err, providers.ErrNotConfigured) {
		logger.Warn("reload failed", zap.Error(err))
		return
	}
	if err != nil {
		gen = nil
	}
	dyn.Swap(gen)
	proxy.SetTemplates(tpl)
	logger.Info("ai settings reloaded", zap.String("generator", dyn.Name()))
}

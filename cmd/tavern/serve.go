package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/client/internal/api"
	"github.com/zhouzirui/z-tavern/client/internal/config"
	"github.com/zhouzirui/z-tavern/client/internal/handler"
	chatService "github.com/zhouzirui/z-tavern/client/internal/service/chat"
	"github.com/zhouzirui/z-tavern/client/internal/service/connection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the client core behind a local HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// runtime 客户端核心及其长连接
type runtime struct {
	conn   *connection.Manager
	client *chatService.Client
}

func newRuntime(cfg *config.Config, logger *zap.Logger) *runtime {
	conn := connection.NewManager(cfg.Client.WSURL, connection.Options{
		HandshakeTimeout: cfg.Conn.HandshakeTimeout,
		ReadTimeout:      cfg.Conn.ReadTimeout,
		WriteTimeout:     cfg.Conn.WriteTimeout,
		PingInterval:     cfg.Conn.PingInterval,
		Reconnect: connection.ReconnectPolicy{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
		},
	}, logger)

	store := api.NewClient(cfg.Client.APIBaseURL, cfg.Client.AuthToken,
		cfg.Client.SuccessCode, cfg.Client.RequestTimeout, logger)

	client := chatService.New(conn, store, logger, chatService.Options{
		UserID:      cfg.Client.UserID,
		ModelType:   cfg.Client.ModelType,
		AuthToken:   cfg.Client.AuthToken,
		GracePeriod: cfg.Client.GracePeriod,
		Describe:    api.UserMessage,
	})

	return &runtime{conn: conn, client: client}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg, logger)
	defer rt.conn.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.client.Run(ctx)
	})
	g.Go(func() error {
		// 后端暂不可用时保持运行，用户可通过 /api/connection 重试。
		if err := rt.client.Start(ctx); err != nil {
			logger.Warn("initial sync failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		srv := newHTTPServer(cfg.Server.Addr, handler.NewRouter(rt.client, logger))
		logger.Info("Z Tavern client listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Client.APIBaseURL))
		return runServer(ctx, srv)
	})

	return g.Wait()
}

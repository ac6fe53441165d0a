package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/backend"
	"github.com/zhouzirui/z-tavern/client/internal/config"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the reference chat backend",
	Args:  cobra.NoArgs,
	RunE:  runBackend,
}

func runBackend(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := backend.NewServer(backend.NewStore(), newResponder(ctx, cfg.AI, logger), logger,
		backend.WithToken(cfg.Backend.Token))

	logger.Info("Z Tavern backend listening", zap.String("addr", cfg.Backend.Addr))
	return runServer(ctx, newHTTPServer(cfg.Backend.Addr, srv.Router()))
}

// newResponder 优先使用 Ark 模型，未配置或初始化失败时退回回声应答。
func newResponder(ctx context.Context, ai config.AIConfig, logger *zap.Logger) backend.Responder {
	echo := backend.EchoResponder{Prefix: "你说：", Delay: 80 * time.Millisecond}

	if !ai.Enabled() {
		logger.Info("Ark 凭证未配置，使用回声应答")
		return echo
	}

	chatModel, err := ai.NewChatModel(ctx)
	if err != nil {
		logger.Warn("failed to initialize chat model, falling back to echo", zap.Error(err))
		return echo
	}

	responder, err := backend.NewChainResponder(ctx, chatModel, ai.SystemPrompt)
	if err != nil {
		logger.Warn("failed to compile chat chain, falling back to echo", zap.Error(err))
		return echo
	}

	logger.Info("AI responder initialized", zap.String("model", ai.Model))
	return responder
}

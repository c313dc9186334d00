package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"
	"github.com/jholhewres/callclaw/pkg/callclaw/channels/discord"
	"github.com/jholhewres/callclaw/pkg/callclaw/channels/whatsapp"
	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
	"github.com/jholhewres/callclaw/pkg/callclaw/gateway"
	"github.com/jholhewres/callclaw/pkg/callclaw/mcp"
)

// newServeCmd creates the `callclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels and the voice gateway",
		Long: `Start CallClaw as a daemon: connects the enabled messaging channels,
opens the voice websocket gateway and processes messages until stopped.

Examples:
  callclaw serve
  callclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := copilot.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := buildLogger(cmd, cfg)

	// ── Session store ──
	store := copilot.NewSessionStore(cfg.Conversation.MaxMessages, logger)
	var persister *copilot.SQLitePersister
	if cfg.Database.Path != "" {
		persister, err = copilot.NewSQLitePersister(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("opening session database: %w", err)
		}
		store.SetPersister(persister)
	}

	// ── Tools ──
	executor := copilot.NewToolExecutor(logger)
	copilot.RegisterBuiltinTools(executor)

	bridge := mcp.NewBridge(cfg.MCP, logger)
	copilot.RegisterMCPTools(executor, bridge)

	// ── Agent + assistant ──
	llm := copilot.NewLLMClient(cfg, logger)
	approvals := copilot.NewApprovalManager(cfg.Approval.Timeout(), logger)
	agent := copilot.NewAgent(llm, executor, approvals, logger)
	assistant := copilot.NewAssistant(cfg, agent, approvals, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Channels ──
	var active []channels.Channel

	if cfg.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := wa.Connect(ctx); err != nil {
			logger.Error("failed to connect WhatsApp", "error", err)
		} else {
			assistant.AttachChannel(wa)
			active = append(active, wa)
			copilot.RegisterMediaTool(executor, func(ctx context.Context, chatID, mediaURL, caption string) error {
				return wa.SendMedia(ctx, chatID, &channels.MediaMessage{
					Type:    mediaTypeFromURL(mediaURL),
					URL:     mediaURL,
					Caption: caption,
				})
			})
			logger.Info("WhatsApp channel connected")
		}
	}

	if cfg.Channels.Discord.Enabled {
		dc := discord.New(cfg.Channels.Discord, logger)
		if err := dc.Connect(ctx); err != nil {
			logger.Error("failed to connect Discord", "error", err)
		} else {
			assistant.AttachChannel(dc)
			active = append(active, dc)
			logger.Info("Discord channel connected")
		}
	}

	assistant.Start(ctx)

	// ── Voice gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg, agent, logger)
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	// ── Maintenance sweeps ──
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@every 1m", func() {
		if n := approvals.SweepExpired(time.Now()); n > 0 {
			logger.Debug("expired approvals swept", "count", n)
		}
		if n := store.Prune(); n > 0 {
			logger.Debug("stale sessions pruned", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling maintenance sweeps: %w", err)
	}
	sweeper.Start()

	logger.Info("CallClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.API.Model,
		"approved_sender", cfg.Access.ApprovedSender,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		if gw != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			shutdownCancel()
		}
		assistant.Stop()
		for _, ch := range active {
			if err := ch.Disconnect(); err != nil {
				logger.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
			}
		}
		bridge.Close()
		if persister != nil {
			_ = persister.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// mediaTypeFromURL guesses the media type for the send_media tool by file
// extension. Unknown extensions ship as documents.
func mediaTypeFromURL(mediaURL string) channels.MessageType {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(mediaURL, "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return channels.MessageImage
	case ".mp3", ".ogg", ".m4a", ".wav":
		return channels.MessageAudio
	default:
		return channels.MessageDocument
	}
}

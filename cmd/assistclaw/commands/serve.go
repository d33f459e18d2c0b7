package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/assistant"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels/whatsapp"
)

// newServeCmd creates the `assistclaw serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start AssistClaw as a daemon: connect the enabled channels (Twilio
webhook, WhatsApp Web), the HTTP gateway and the background jobs.

Examples:
  assistclaw serve
  assistclaw serve --channel twilio
  assistclaw serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (twilio, whatsapp); default follows the config")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	rt, err := loadEnv(cmd, true, os.Stdout)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	if filter, _ := cmd.Flags().GetStringSlice("channel"); len(filter) > 0 {
		cfg.Channels.Twilio.Enabled = shouldEnable("twilio", filter)
		cfg.Channels.WhatsApp.Enabled = shouldEnable("whatsapp", filter)
	}
	if !cfg.Channels.Twilio.Enabled && !cfg.Channels.WhatsApp.Enabled {
		logger.Warn("no channel enabled, only the gateway will run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := assistant.New(ctx, cfg, logger,
		assistant.WithVersion(version),
		assistant.WithResolver(rt.resolver),
	)
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		a.Close()
		return fmt.Errorf("failed to start: %w", err)
	}

	if wa := a.WhatsApp(); wa != nil {
		go printPairing(ctx, wa)
	}

	logger.Info("AssistClaw running. Press Ctrl+C to stop.",
		"gateway", cfg.Gateway.Address,
		"twilio", cfg.Channels.Twilio.Enabled,
		"whatsapp", cfg.Channels.WhatsApp.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		a.Stop()
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

// printPairing shows WhatsApp pairing codes on the terminal until the
// device is linked.
func printPairing(ctx context.Context, wa *whatsapp.WhatsApp) {
	events, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case "code":
				fmt.Println()
				fmt.Println("Link WhatsApp: open WhatsApp > Linked devices > Link a device and scan")
				fmt.Println("a QR code generated from this text (also served at /api/whatsapp/qr):")
				fmt.Println()
				fmt.Println("  " + evt.Code)
				fmt.Println()
			case "success":
				fmt.Println("WhatsApp linked.")
				return
			case "timeout", "error":
				fmt.Printf("WhatsApp pairing stopped: %s\n", evt.Message)
				return
			}
		}
	}
}

// shouldEnable checks if a channel is in the --channel filter.
func shouldEnable(name string, filter []string) bool {
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"devpulse/internal/hermes"
)

func watchCmd() *cobra.Command {
	var configPath, natsURL, subject string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session events from the Hermes event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			hcfg := cfg.Hermes
			if natsURL != "" {
				hcfg.URL = natsURL
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			client, err := hermes.Connect(hcfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			sub, err := client.Subscribe(subject, func(ev hermes.Event) {
				printWatchEvent(out, ev)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s on %s (ctrl-c to stop)\n", subject, hcfg.URL)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file to read hermes settings from")
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS URL (overrides config)")
	cmd.Flags().StringVar(&subject, "subject", hermes.SubjectAll, "subject to subscribe to")
	return cmd
}

func printWatchEvent(w io.Writer, ev hermes.Event) {
	if format == "json" {
		data, _ := json.Marshal(ev)
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "%s  %-26s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Type, string(ev.Data))
}

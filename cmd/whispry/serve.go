package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UsSubDidIt/Whispry/internal/controller"
	"github.com/UsSubDidIt/Whispry/internal/logutil"
	"github.com/UsSubDidIt/Whispry/internal/relay"
	"github.com/UsSubDidIt/Whispry/internal/store"
	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller bot and all registered tenant bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}

			token := strings.TrimSpace(viper.GetString("bot_token"))
			if token == "" {
				return fmt.Errorf("controller bot token is required (--bot-token or %s_BOT_TOKEN)", envPrefix)
			}

			st, err := store.Open(viper.GetString("db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			baseURL := viper.GetString("api_base_url")
			pollTimeout := viper.GetDuration("poll_timeout")
			retryPause := viper.GetDuration("retry_pause")
			maxBots := viper.GetInt("max_bots_per_owner")
			deleteWebhooks := viper.GetBool("delete_webhooks")

			router := relay.NewRouter(st)
			ctrlClient := telegram.NewClient(nil, baseURL, token)

			// The controller is built before the supervisor so worker failure
			// notices flow through the controller bot.
			var ctrl *controller.Controller
			sup, err := relay.NewSupervisor(relay.SupervisorDeps{
				Store:  st,
				Router: router,
				NewAPI: func(token string) relay.BotAPI {
					return telegram.NewClient(nil, baseURL, token)
				},
				NotifyOwner: func(ctx context.Context, ownerID int64, text string) error {
					return ctrl.NotifyOwner(ctx, ownerID, text)
				},
				Logger: logger,
			}, relay.SupervisorOptions{
				MaxBotsPerOwner:      maxBots,
				PollTimeout:          pollTimeout,
				RetryPause:           retryPause,
				DeleteWebhookOnStart: deleteWebhooks,
			})
			if err != nil {
				return err
			}

			ctrl, err = controller.New(controller.Deps{
				API:     ctrlClient,
				Manager: sup,
				Store:   st,
				Logger:  logger,
			}, controller.Config{
				PollTimeout:     pollTimeout,
				RetryPause:      retryPause,
				MaxBotsPerOwner: maxBots,
			})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sup.StartAll(runCtx); err != nil {
				return fmt.Errorf("start sessions: %w", err)
			}
			defer sup.Close()

			return ctrl.Run(runCtx)
		},
	}

	cmd.Flags().String("bot-token", "", "Controller bot token (required).")
	cmd.Flags().String("db", "whispry.db", "Path to the sqlite database file.")
	cmd.Flags().String("api-base-url", telegram.DefaultBaseURL, "Telegram Bot API base URL.")
	cmd.Flags().Duration("poll-timeout", 30*time.Second, "Long-poll window per getUpdates call.")
	cmd.Flags().Duration("retry-pause", 15*time.Second, "Pause after a transport error before re-polling.")
	cmd.Flags().Int("max-bots-per-owner", 50, "Bot registration quota per owner.")
	cmd.Flags().Bool("delete-webhooks", true, "Delete any configured webhook before polling.")

	_ = viper.BindPFlag("bot_token", cmd.Flags().Lookup("bot-token"))
	_ = viper.BindPFlag("db", cmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("api_base_url", cmd.Flags().Lookup("api-base-url"))
	_ = viper.BindPFlag("poll_timeout", cmd.Flags().Lookup("poll-timeout"))
	_ = viper.BindPFlag("retry_pause", cmd.Flags().Lookup("retry-pause"))
	_ = viper.BindPFlag("max_bots_per_owner", cmd.Flags().Lookup("max-bots-per-owner"))
	_ = viper.BindPFlag("delete_webhooks", cmd.Flags().Lookup("delete-webhooks"))

	return cmd
}

package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"flowrunner/internal/config"
	"flowrunner/internal/queue"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Starts the orchestrator process",
	Long:  "The orchestrator consumes engine lifecycle events and folds them into execution state",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running orchestrator process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		redis := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		manager, _ := buildManager(conf, db, redis)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- redis.SubscribeTaskEvents(ctx, func(msg queue.TaskEventMessage) {
				manager.HandleEvent(ctx, msg)
			})
		}()

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := redis.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

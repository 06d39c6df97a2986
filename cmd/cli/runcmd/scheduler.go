package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowrunner/internal/config"
	"flowrunner/internal/scheduler"
	"flowrunner/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Starts the scheduler process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running scheduler process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		redis := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		manager, _ := buildManager(conf, db, redis)
		loop := scheduler.NewLoop(
			store.NewPostgres(db),
			manager,
			time.Duration(conf.Scheduler.PollIntervalSec)*time.Second,
		)

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := redis.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
			loop.Stop()
		}()

		loop.Start(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}

package runcmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"flowrunner/internal/api"
	"flowrunner/internal/config"
	"flowrunner/internal/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		redis := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		manager, pg := buildManager(conf, db, redis)
		server := api.New(ctx, manager, pg, scheduler.NewEvaluator())

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := redis.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		addr := fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
		httpServer := &http.Server{Addr: addr, Handler: server}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addr).Msg("API server listening")
			errCh <- httpServer.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			if err := httpServer.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Could not shut down server cleanly")
			}
		}
	},
}

package runcmd

import (
	"encoding/json"
	"log"

	"flowrunner/internal/broadcast"
	"flowrunner/internal/config"
	"flowrunner/internal/database"
	"flowrunner/internal/execution"
	"flowrunner/internal/queue"
	"flowrunner/internal/store"
	"flowrunner/internal/tracker"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(schedulerCmd)
	Command.AddCommand(orchestratorCmd)
}

func mustDatabase(conf *config.FRConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	return db
}

func mustQueue(conf *config.FRConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}

// buildManager wires the standard observer set and the execution manager on
// top of the shared database and queue handles
func buildManager(conf *config.FRConfig, db *sqlx.DB, redis *queue.RedisClient) (*execution.Manager, *store.Postgres) {
	zerolog.SetGlobalLevel(conf.ZerologLevel())

	pg := store.NewPostgres(db)
	broadcaster := broadcast.NewManager(
		func(jobID string, _ json.RawMessage) (broadcast.Observer, error) {
			return broadcast.NewLogObserver(jobID), nil
		},
		func(jobID string, _ json.RawMessage) (broadcast.Observer, error) {
			return broadcast.NewTraceObserver(jobID, pg), nil
		},
		func(jobID string, _ json.RawMessage) (broadcast.Observer, error) {
			return broadcast.NewStreamObserver(jobID, redis), nil
		},
	)

	manager := execution.NewManager(pg, tracker.New(pg), redis, broadcaster, store.NewRecordSource(db), execution.Policy{
		AllowPartialFailure: conf.Execution.AllowPartialFailure,
		GuardrailMaxRetries: conf.Execution.GuardrailMaxRetries,
	})
	return manager, pg
}

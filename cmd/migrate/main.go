package main

import (
	"github.com/flakestry/flakestry/internal/common"
	"github.com/flakestry/flakestry/pkg/config"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	log.Info().Msg("migrations complete")
}

package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func init() {
	// Load .env before the config loader reads WHOSAPP_* variables
	if err := loadDotEnv(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file")
	}
}

// loadDotEnv loads the given files (.env by default). A missing file is
// not an error.
func loadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return err
	}
	return nil
}

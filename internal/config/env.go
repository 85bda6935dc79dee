package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from a .env file into the process environment.
// Variables already set in the environment win.
func LoadEnv(path string) error {
	return godotenv.Load(path)
}

// LoadEnvOptional is LoadEnv that ignores a missing file.
func LoadEnvOptional(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ReadEnvFile parses a .env style file without touching the process environment.
// Used for a command's environment_file.
func ReadEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}

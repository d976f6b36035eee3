package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// ErrModeMismatch is returned when .env's declared BOT_MODE disagrees
// with config.yaml's environment.mode.
var ErrModeMismatch = fmt.Errorf("config: BOT_MODE in .env does not match environment.mode")

// CheckEnvMode loads envPath (if present) and verifies its BOT_MODE
// variable, when set, agrees with the configured mode. A missing .env
// file is not an error: it simply means nothing to cross-check.
func CheckEnvMode(envPath string, mode string) error {
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}

	vars, err := godotenv.Read(envPath)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", envPath, err)
	}

	declared, ok := vars["BOT_MODE"]
	if !ok || declared == "" {
		return nil
	}
	if declared != mode {
		return fmt.Errorf("%w: .env declares %q, config.yaml declares %q", ErrModeMismatch, declared, mode)
	}
	return nil
}

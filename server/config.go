package server

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type EnvConfig struct {
	Addr         string
	Workers      int
	KeyfilePath  string
	ProofEnabled bool
}

// ReadEnvConfig loads the daemon configuration from the environment, with
// an optional .env file.
func ReadEnvConfig() *EnvConfig {
	_ = godotenv.Load()

	config := &EnvConfig{
		Addr:        ":8443",
		Workers:     4,
		KeyfilePath: os.Getenv("SANDRUND_KEYFILE"),
	}

	if addr := os.Getenv("SANDRUND_ADDR"); addr != "" {
		config.Addr = addr
	}

	if workers := os.Getenv("SANDRUND_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			config.Workers = n
		}
	}

	if proof := os.Getenv("SANDRUND_PROOF"); proof != "" {
		config.ProofEnabled, _ = strconv.ParseBool(proof)
	}

	return config
}

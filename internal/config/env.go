package config

import (
	"log"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a local .env file into the process environment before
// FromEnv reads it, exactly as codeready-toolchain-tarsy's cmd/tarsy/main.go
// does with godotenv.Load. Missing the file is not fatal: in production the
// environment is expected to be set by the deployment, not a .env file.
func LoadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		log.Printf("forge: no .env file loaded from %s: %v", path, err)
	}
}

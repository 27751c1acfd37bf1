package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds settings read from the process environment
type Env struct {
	CI            bool   `env:"CI"`
	Npm           string `env:"STARTERKIT_NPM" envDefault:"npm"`
	KeepWorkspace bool   `env:"STARTERKIT_KEEP_WORKSPACE"`
}

// LoadEnv parses Env from the environment
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

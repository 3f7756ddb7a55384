// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (pools, LLM, scheduler) via constructors.
  - Zero Hidden State: No global variables are used to store config.

This ensures the application is Twelve-Factor compliant by storing config in the env.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// # Configuration Schema

// Config holds all runtime configuration for the Sequana API server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Relational Database (PostgreSQL).
	// MetadataDatabaseURL is used for catalog introspection and statistics.
	// QueryDatabaseURL must point at a read-only role; it executes generated SQL.
	MetadataDatabaseURL string `env:"METADATA_DATABASE_URL,required"`
	QueryDatabaseURL    string `env:"QUERY_DATABASE_URL,required"`

	// SchemaName is the single database schema exposed to natural-language queries.
	SchemaName string `env:"SCHEMA_NAME" envDefault:"core"`

	// LLM provider (OpenAI-compatible chat completions endpoint)
	LLMBaseURL     string        `env:"LLM_BASE_URL"     envDefault:"https://api.groq.com/openai/v1"`
	LLMAPIKey      string        `env:"LLM_API_KEY,required"`
	LLMModel       string        `env:"LLM_MODEL"        envDefault:"llama-3.3-70b-versatile"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE"  envDefault:"0.0"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS"   envDefault:"2000"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT"      envDefault:"10s"`

	// Query guardrails
	DefaultLimit            int `env:"DEFAULT_LIMIT"             envDefault:"200"`
	MaxLimit                int `env:"MAX_LIMIT"                 envDefault:"2000"`
	StatementTimeoutSeconds int `env:"STATEMENT_TIMEOUT_SECONDS" envDefault:"30"`
	MaxJoinDepth            int `env:"MAX_JOIN_DEPTH"            envDefault:"4"`
	HardCapJoinDepth        int `env:"HARD_CAP_JOIN_DEPTH"       envDefault:"6"`

	// Knowledge base
	KBDir             string        `env:"KB_DIR"              envDefault:"./kb"`
	KBRefreshInterval time.Duration `env:"KB_REFRESH_INTERVAL" envDefault:"1h"`

	// Retrieval (schema slice sent to the LLM)
	RAGEnabled             bool `env:"RAG_ENABLED"                envDefault:"true"`
	RAGMaxTables           int  `env:"RAG_MAX_TABLES"             envDefault:"8"`
	RAGMaxColumnsPerTable  int  `env:"RAG_MAX_COLUMNS_PER_TABLE"  envDefault:"25"`
	RAGMaxJoinPaths        int  `env:"RAG_MAX_JOIN_PATHS"         envDefault:"30"`

	// Cross-Origin Resource Sharing
	ExtraOrigins string `env:"EXTRA_ORIGINS"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if cfg.MaxLimit < cfg.DefaultLimit {
		return nil, fmt.Errorf("config: MAX_LIMIT (%d) must be >= DEFAULT_LIMIT (%d)", cfg.MaxLimit, cfg.DefaultLimit)
	}
	if cfg.HardCapJoinDepth < cfg.MaxJoinDepth {
		return nil, fmt.Errorf("config: HARD_CAP_JOIN_DEPTH (%d) must be >= MAX_JOIN_DEPTH (%d)", cfg.HardCapJoinDepth, cfg.MaxJoinDepth)
	}

	return cfg, nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

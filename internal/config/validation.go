package config

import (
	"fmt"
	"os"
	"slices"
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for embedding calls.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// Chunk size is measured in approximate tokens; overlap must leave room
	// for forward progress during chunking.
	if c.ChunkSize < 16 || c.ChunkSize > 8192 {
		return fmt.Errorf("%w: chunk_size must be between 16 and 8192, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidChunking, c.ChunkOverlap)
	}

	if c.SearchLimit < 1 || c.SearchLimit > 100 {
		return fmt.Errorf("%w: search_limit must be between 1 and 100, got %d", ErrInvalidSearchLimit, c.SearchLimit)
	}
	if c.SemanticWeight < 0 || c.FTSWeight < 0 {
		return fmt.Errorf("%w: weights must be non-negative, got semantic=%.2f fts=%.2f",
			ErrInvalidWeights, c.SemanticWeight, c.FTSWeight)
	}
	if c.SemanticWeight == 0 && c.FTSWeight == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidWeights)
	}

	if c.RingCapacity < 2 || c.RingCapacity > 1000 {
		return fmt.Errorf("%w: ring_capacity must be between 2 and 1000, got %d", ErrInvalidRingCapacity, c.RingCapacity)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not a valid sslmode", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
)

// validSSLModes are the PostgreSQL SSL modes accepted by pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for completeness and range errors.
// It is called by Load; startup fails fast on the first violation.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name is empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model is empty", ErrInvalidEmbedderModel)
	}

	// The genkit Google AI plugin reads the key from the environment;
	// verifying it here turns a confusing first-request failure into a
	// clear startup error.
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}

	if c.TopK < 1 || c.TopK > MaxAllowedTopK {
		return fmt.Errorf("%w: top_k must be in [1, %d], got %d", ErrInvalidTopK, MaxAllowedTopK, c.TopK)
	}
	if c.MaxTopK < c.TopK || c.MaxTopK > MaxAllowedTopK {
		return fmt.Errorf("%w: max_top_k must be in [top_k, %d], got %d", ErrInvalidTopK, MaxAllowedTopK, c.MaxTopK)
	}

	if c.MaxSteps < 1 || c.MaxSteps > MaxAllowedSteps {
		return fmt.Errorf("%w: max_steps must be in [1, %d], got %d", ErrInvalidMaxSteps, MaxAllowedSteps, c.MaxSteps)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port must be in [1, 65535], got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name is empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	seen := make(map[string]struct{}, len(c.ToolServers))
	for _, srv := range c.ToolServers {
		if err := srv.validate(); err != nil {
			return err
		}
		if _, dup := seen[srv.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidToolServer, srv.Name)
		}
		seen[srv.Name] = struct{}{}
	}

	return nil
}

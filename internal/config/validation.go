package config

import "fmt"

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for basic coherence. It is called by
// commands that only need database access (e.g. migrate).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.RetrievalTopK < 1 || c.RetrievalTopK > 20 {
		return fmt.Errorf("%w: %d (must be 1-20)", ErrInvalidTopK, c.RetrievalTopK)
	}
	if c.TurnTimeoutSeconds < 5 || c.TurnTimeoutSeconds > 900 {
		return fmt.Errorf("%w: %ds (must be 5-900)", ErrInvalidTurnTimeout, c.TurnTimeoutSeconds)
	}

	return nil
}

// ValidateServe performs the full validation required to run the HTTP
// server, including the token-signing secret.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.AuthSecret == "" {
		return fmt.Errorf("%w: set GRIDSAGE_AUTH_SECRET", ErrMissingAuthSecret)
	}
	if len(c.AuthSecret) < MinAuthSecretLen {
		return fmt.Errorf("%w: must be at least %d bytes", ErrInvalidAuthSecret, MinAuthSecretLen)
	}

	return nil
}

package config

type DBConfig struct {
	Path string `yaml:"path"`

	// Test-only parameters, do not enable outside of tests
	InMemoryDONOTUSE bool
}

// WithDefaults returns a copy of the DBConfig with any missing fields set
// to their default values.
func (c DBConfig) WithDefaults() DBConfig {
	cpy := c
	return cpy
}

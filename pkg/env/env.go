package env

import "os"

// Get reads an environment variable, returning fallback when the variable is
// unset or empty. Used for knobs that sit outside the envconfig-managed
// configuration, like LOG_FORMAT.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

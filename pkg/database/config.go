package database

import "os"

// LoadConfigFromEnv loads the database path from MYSTI_DB_PATH, defaulting
// to mysti.db in the current working directory.
func LoadConfigFromEnv() Config {
	return Config{Path: getEnvOrDefault("MYSTI_DB_PATH", "mysti.db")}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

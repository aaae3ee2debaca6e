package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvFileName is the env file kept beside config.json.
const EnvFileName = "env"

// sharedEnvKeys are the unprefixed variables Load honours.
var sharedEnvKeys = map[string]bool{
	"KAFKA_BROKERS": true,
	"REDIS_ADDRESS": true,
}

// LoadEnvFiles exports node settings from env files into the process
// environment so envconfig picks them up. The file named by
// YARDCORE_ENV_FILE must exist; the one beside the config file is
// optional. Variables already set win, and only YARDCORE_* keys and the
// shared KAFKA_BROKERS and REDIS_ADDRESS fallbacks are taken. It returns
// the keys it set.
func LoadEnvFiles(configPath string) ([]string, error) {
	var set []string
	if explicit := strings.TrimSpace(os.Getenv("YARDCORE_ENV_FILE")); explicit != "" {
		keys, err := loadEnvFile(explicit)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", explicit, err)
		}
		set = append(set, keys...)
	}
	if configPath != "" {
		beside := filepath.Join(filepath.Dir(configPath), EnvFileName)
		keys, err := loadEnvFile(beside)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", beside, err)
		}
		set = append(set, keys...)
	}
	return set, nil
}

func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var set []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			slog.Warn("Skipping malformed env file line", "file", path, "line", n)
			continue
		}
		if !strings.HasPrefix(key, "YARDCORE_") && !sharedEnvKeys[key] {
			slog.Warn("Ignoring unknown env file key", "file", path, "key", key)
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, unquote(strings.TrimSpace(val))); err != nil {
			return set, err
		}
		set = append(set, key)
	}
	return set, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	if s, err := strconv.Unquote(v); err == nil && strings.HasPrefix(v, `"`) {
		return s
	}
	return v
}

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source resolves settings from the process environment, falling back to
// values read from an optional YAML file. Environment variables always win.
type Source struct {
	file map[string]string
}

// NewSource reads the YAML file at path. An empty path yields an
// environment-only source.
func NewSource(path string) (Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Source{}, fmt.Errorf("parse config file: %w", err)
	}
	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		values[strings.ToUpper(strings.TrimSpace(key))] = fmt.Sprint(value)
	}
	return Source{file: values}, nil
}

func (s Source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

// String retrieves a setting or returns fallback when unset.
func (s Source) String(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

// Int retrieves a setting as integer or returns fallback.
func (s Source) Int(key string, fallback int) int {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Bool retrieves a setting as bool or returns fallback.
func (s Source) Bool(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	return Source{}.String(key, fallback)
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	return Source{}.Int(key, fallback)
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return Source{}.Bool(key, fallback)
}

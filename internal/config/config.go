package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// ErrConfigurationNotFound means neither the environment-specific nor the
// default configuration source exists. It is fatal before any build step.
var ErrConfigurationNotFound = errors.New("configuration not found")

// DefaultFile is the generic configuration source name in the workspace.
const DefaultFile = ".env"

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case "", Development:
		return Development, nil
	case Production:
		return Production, nil
	default:
		return "", fmt.Errorf("unknown environment %q (want development or production)", s)
	}
}

func (e Environment) String() string { return string(e) }

// Source is the configuration file chosen for a run. The installer copies
// exactly this file, so resolver and installer never disagree.
type Source struct {
	Path     string
	Fallback bool
}

// SelectSource prefers <dir>/.env.<env> and falls back to <dir>/.env.
func SelectSource(dir string, env Environment) (Source, error) {
	preferred := filepath.Join(dir, DefaultFile+"."+env.String())
	if isFile(preferred) {
		return Source{Path: preferred}, nil
	}
	fallback := filepath.Join(dir, DefaultFile)
	if isFile(fallback) {
		return Source{Path: fallback, Fallback: true}, nil
	}
	return Source{}, fmt.Errorf("%w: neither %s nor %s exists", ErrConfigurationNotFound, preferred, fallback)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// EnvironmentConfig is the ordered key/value content of the active source.
type EnvironmentConfig struct {
	Environment Environment
	Source      Source
	keys        []string
	values      map[string]string
}

// Resolve selects and parses the configuration source for env. Keys are not
// validated individually.
func Resolve(dir string, env Environment, log *zap.Logger) (*EnvironmentConfig, error) {
	src, err := SelectSource(dir, env)
	if err != nil {
		return nil, err
	}
	if src.Fallback {
		log.Warn("environment-specific config missing, falling back to default (degraded mode)",
			zap.String("environment", env.String()),
			zap.String("wanted", DefaultFile+"."+env.String()),
			zap.String("using", src.Path),
		)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", src.Path, err)
	}
	cfg.Environment = env
	cfg.Source = src

	log.Info("loaded environment config",
		zap.String("environment", env.String()),
		zap.String("source", src.Path),
		zap.Int("keys", cfg.Len()),
	)
	return cfg, nil
}

// Parse reads dotenv content, keeping the order in which keys first appear.
func Parse(data []byte) (*EnvironmentConfig, error) {
	values, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &EnvironmentConfig{keys: keyOrder(data, values), values: values}, nil
}

func keyOrder(data []byte, values map[string]string) []string {
	seen := make(map[string]bool, len(values))
	keys := make([]string, 0, len(values))

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexAny(line, "=:")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		if _, ok := values[key]; ok && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	// multi-line values can hide keys from the line scan
	var rest []string
	for k := range values {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func (c *EnvironmentConfig) Keys() []string {
	return append([]string(nil), c.keys...)
}

func (c *EnvironmentConfig) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *EnvironmentConfig) Len() int { return len(c.keys) }

// Environ renders the config as KEY=VALUE pairs in source order, ready to be
// appended to a child process environment.
func (c *EnvironmentConfig) Environ() []string {
	out := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, k+"="+c.values[k])
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a site configuration file. A directory argument is
// resolved to the site.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "site.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but site.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() after ${VAR} interpolation.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	// An explicit authorization block replaces the built-in policy.
	cfg.Authorization.Roles = nil
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(cfg.Authorization.Roles) == 0 {
		cfg.Authorization.Roles = DefaultRoleRights()
	}
	cfg.Site.Role = strings.ToLower(strings.TrimSpace(cfg.Site.Role))
	cfg.Site.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Site.LogLevel))
	return cfg, nil
}

// resolvePaths makes workspace-relative paths absolute against the config dir.
func resolvePaths(cfg *Config, baseDir string) {
	if cfg.Site.Workspace == "" {
		cfg.Site.Workspace = baseDir
	} else if !filepath.IsAbs(cfg.Site.Workspace) {
		cfg.Site.Workspace = filepath.Join(baseDir, cfg.Site.Workspace)
	}
	if cfg.Site.LogConfig != "" && !filepath.IsAbs(cfg.Site.LogConfig) {
		cfg.Site.LogConfig = filepath.Join(cfg.Site.Workspace, cfg.Site.LogConfig)
	}
	if cfg.Audit.Path != "" && !filepath.IsAbs(cfg.Audit.Path) {
		cfg.Audit.Path = filepath.Join(cfg.Site.Workspace, cfg.Audit.Path)
	}
	for i, c := range cfg.Components {
		if c.Path != "" && !filepath.IsAbs(c.Path) {
			cfg.Components[i].Path = filepath.Join(cfg.Site.Workspace, c.Path)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Site.Name) == "" {
		return fmt.Errorf("site.name is required")
	}
	if cfg.Site.Role != RoleServer && cfg.Site.Role != RoleClient {
		return fmt.Errorf("site.role must be one of: server, client (got %q)", cfg.Site.Role)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Site.LogLevel] {
		return fmt.Errorf("site.log_level must be one of: debug, info, warn, error (got %q)", cfg.Site.LogLevel)
	}

	if cfg.Cell.Listen == "" {
		return fmt.Errorf("cell.listen is required")
	}
	if matches := envVarPattern.FindStringSubmatch(cfg.Cell.JoinToken); len(matches) > 1 {
		return fmt.Errorf("cell.join_token: environment variable ${%s} is not set", matches[1])
	}

	switch cfg.Site.Role {
	case RoleServer:
		if cfg.Admin.Listen == "" {
			return fmt.Errorf("admin.listen is required for the server")
		}
		if cfg.Admin.FanoutTimeout <= 0 {
			return fmt.Errorf("admin.fanout_timeout must be positive")
		}
		for i, tok := range cfg.Admin.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("admin.tokens[%d].token is required", i)
			}
			if matches := envVarPattern.FindStringSubmatch(tok.Token); len(matches) > 1 {
				return fmt.Errorf("admin.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			if tok.User == "" {
				return fmt.Errorf("admin.tokens[%d].user is required", i)
			}
			if _, ok := cfg.Authorization.Roles[tok.Role]; !ok {
				return fmt.Errorf("admin.tokens[%d].role %q is not defined in authorization.roles", i, tok.Role)
			}
		}
	case RoleClient:
		if cfg.Cell.ServerURL == "" {
			return fmt.Errorf("cell.server_url is required for a client")
		}
	}

	seen := make(map[string]bool, len(cfg.Clients))
	for i, c := range cfg.Clients {
		if c.Name == "" || c.URL == "" {
			return fmt.Errorf("clients[%d]: name and url are required", i)
		}
		if IsReservedSiteName(c.Name) {
			return fmt.Errorf("clients[%d]: %q is a reserved target name", i, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, c.Name)
		}
		seen[c.Name] = true
	}

	ids := make(map[string]bool, len(cfg.Components))
	for i, c := range cfg.Components {
		if c.ID == "" {
			return fmt.Errorf("components[%d].id is required", i)
		}
		if ids[c.ID] {
			return fmt.Errorf("components[%d]: duplicate component id %q", i, c.ID)
		}
		ids[c.ID] = true
	}
	return nil
}

// IsReservedSiteName reports whether name collides with a target-type token.
func IsReservedSiteName(name string) bool {
	switch name {
	case RoleServer, RoleClient, "all":
		return true
	}
	return false
}

// FanoutTimeout returns the configured per-call fan-out timeout.
func (c *Config) FanoutTimeout() time.Duration {
	if c.Admin.FanoutTimeout <= 0 {
		return Defaults().Admin.FanoutTimeout
	}
	return c.Admin.FanoutTimeout
}

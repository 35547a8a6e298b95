package config

import "time"

// Site roles.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Config represents the complete configuration of one site.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Admin         AdminConfig         `yaml:"admin,omitempty"`
	Cell          CellConfig          `yaml:"cell"`
	Clients       []ClientConfig      `yaml:"clients,omitempty"`
	Authorization AuthorizationConfig `yaml:"authorization,omitempty"`
	Resources     map[string]any      `yaml:"resources,omitempty"`
	Components    []ComponentConfig   `yaml:"components,omitempty"`
	Audit         AuditConfig         `yaml:"audit,omitempty"`
}

// SiteConfig identifies the site and where its workspace lives.
type SiteConfig struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"` // server | client
	Org       string `yaml:"org,omitempty"`
	Workspace string `yaml:"workspace"`
	LogLevel  string `yaml:"log_level"`
	// LogConfig is the YAML file re-read by "configure_site_log ... reload".
	LogConfig string `yaml:"log_config,omitempty"`
}

// AdminConfig defines the operator console surface of the server.
type AdminConfig struct {
	Listen        string        `yaml:"listen"`
	FanoutTimeout time.Duration `yaml:"fanout_timeout"`
	Tokens        []AdminToken  `yaml:"tokens,omitempty"`
}

// AdminToken binds a bearer token to an operator identity.
type AdminToken struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
	Org   string `yaml:"org,omitempty"`
	Role  string `yaml:"role"`
}

// CellConfig defines the site-to-site request channel.
type CellConfig struct {
	Listen    string `yaml:"listen"`
	ServerURL string `yaml:"server_url,omitempty"` // clients only
	// PublicURL is the address a client advertises when it joins the cluster.
	PublicURL string `yaml:"public_url,omitempty"`
	// JoinToken, when set on the server, must be presented by joining clients.
	JoinToken string `yaml:"join_token,omitempty"`
}

// ClientConfig is a statically known worker site.
type ClientConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// AuthorizationConfig maps operator roles to the rights they hold.
type AuthorizationConfig struct {
	Roles map[string][]string `yaml:"roles"`
}

// ComponentConfig is a component loaded by the site at startup. When Digest is
// set the component file must hash to it.
type ComponentConfig struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path"`
	Digest string `yaml:"blake3,omitempty"`
}

// AuditConfig defines where dispatched commands are recorded.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Site: SiteConfig{
			Role:      RoleServer,
			Workspace: ".",
			LogLevel:  "info",
		},
		Admin: AdminConfig{
			Listen:        "127.0.0.1:8003",
			FanoutTimeout: 10 * time.Second,
		},
		Cell: CellConfig{
			Listen: "127.0.0.1:8002",
		},
		Authorization: AuthorizationConfig{
			Roles: DefaultRoleRights(),
		},
		Audit: AuditConfig{
			Path: "./data/audit.db",
		},
	}
}

// DefaultRoleRights returns the built-in rights policy.
func DefaultRoleRights() map[string][]string {
	return map[string][]string{
		"project_admin": {"view", "manage_log"},
		"org_admin":     {"view", "manage_log"},
		"lead":          {"view"},
		"member":        {"view"},
	}
}

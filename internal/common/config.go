package common

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the gateway configuration. Values merge in order:
// defaults -> config file(s) -> environment -> CLI flags.
type Config struct {
	Server  ServerConfig  `toml:"restAPI"`
	Solr    SolrConfig    `toml:"solr"`
	Mongo   MongoConfig   `toml:"mongo_db"`
	Cache   CacheConfig   `toml:"cache"`
	OIDC    OIDCConfig    `toml:"oidc"`
	Logging LoggingConfig `toml:"logging"`
	Debug   bool          `toml:"debug"`
}

type ServerConfig struct {
	Port     int      `toml:"port"`
	Host     string   `toml:"host"`
	Workers  int      `toml:"num_procs"` // worker hint reported to clients, not a pool size
	Proxy    string   `toml:"proxy"`     // public base URL when behind a reverse proxy
	Services []string `toml:"services"`  // enabled service groups: databrowser, zarr-stream, stacapi
	RedirURL []string `toml:"oidc_overview_redirects"`
}

type SolrConfig struct {
	Host string `toml:"hostname"`
	Port int    `toml:"port"`
	Core string `toml:"core"` // multi-version core; the "latest" core sits beside it
}

type MongoConfig struct {
	Host     string `toml:"hostname"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
}

// CacheConfig describes the Redis instance used for the zarr broker and
// short-lived gateway state. The password doubles as the share-URL signing
// secret, so treat it as such.
type CacheConfig struct {
	Host     string `toml:"hostname"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	Exp      int    `toml:"exp"` // default zarr job lifetime in seconds
}

type OIDCConfig struct {
	DiscoveryURL string `toml:"discovery_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	// TokenClaims and AdminClaims hold "path:pattern,path:pattern" filters.
	// Every filter must match a claim in the access token.
	TokenClaims string `toml:"token_claims"`
	AdminClaims string `toml:"admin_claims"`
	// AuthPorts are localhost ports accepted as loopback redirect targets.
	AuthPorts []int `toml:"auth_ports"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// Service group names accepted in restAPI.services / API_SERVICES.
const (
	ServiceDatabrowser = "databrowser"
	ServiceZarrStream  = "zarr-stream"
	ServiceStacAPI     = "stacapi"
)

// NewDefaultConfig creates a configuration with default values.
// Back-end ports follow the upstream defaults so a bare docker-compose of
// Solr, MongoDB and Redis works without a config file.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7777,
			Host:     "0.0.0.0",
			Workers:  8,
			Proxy:    "http://localhost:7777",
			Services: []string{ServiceDatabrowser, ServiceZarrStream, ServiceStacAPI},
		},
		Solr: SolrConfig{
			Host: "localhost",
			Port: 8983,
			Core: "files",
		},
		Mongo: MongoConfig{
			Host: "localhost",
			Port: 27017,
			Name: "search_stats",
		},
		Cache: CacheConfig{
			Host: "localhost",
			Port: 6379,
			Exp:  3600,
		},
		OIDC: OIDCConfig{
			ClientID:  "freva",
			AuthPorts: []int{8080, 8081, 8082, 8083, 8084, 8085},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// hostPort splits "host:port" forms that sneak into the *_HOST variables,
// keeping any scheme prefix out of the host.
func hostPort(value string, defPort int) (string, int) {
	value = strings.TrimSuffix(value, "/")
	if i := strings.Index(value, "://"); i >= 0 {
		value = value[i+3:]
	}
	host, portStr, found := strings.Cut(value, ":")
	if !found || portStr == "" {
		return value, defPort
	}
	if p, err := strconv.Atoi(portStr); err == nil {
		return host, p
	}
	return host, defPort
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if workers := os.Getenv("API_WORKER"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Server.Workers = w
		}
	}
	if proxy := os.Getenv("API_PROXY"); proxy != "" {
		config.Server.Proxy = proxy
	} else if apiURL := os.Getenv("API_URL"); apiURL != "" {
		config.Server.Proxy = apiURL
	}
	if services := os.Getenv("API_SERVICES"); services != "" {
		names := []string{}
		for _, s := range strings.Split(services, ",") {
			if s = strings.TrimSpace(s); s != "" {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			config.Server.Services = names
		}
	}

	if host := os.Getenv("API_SOLR_HOST"); host != "" {
		config.Solr.Host, config.Solr.Port = hostPort(host, config.Solr.Port)
	}
	if core := os.Getenv("API_SOLR_CORE"); core != "" {
		config.Solr.Core = core
	}

	if host := os.Getenv("API_MONGO_HOST"); host != "" {
		config.Mongo.Host, config.Mongo.Port = hostPort(host, config.Mongo.Port)
	}
	if user := os.Getenv("API_MONGO_USER"); user != "" {
		config.Mongo.User = user
	}
	if password := os.Getenv("API_MONGO_PASSWORD"); password != "" {
		config.Mongo.Password = password
	}
	if name := os.Getenv("API_MONGO_DB"); name != "" {
		config.Mongo.Name = name
	}

	if host := os.Getenv("API_REDIS_HOST"); host != "" {
		config.Cache.Host, config.Cache.Port = hostPort(host, config.Cache.Port)
	}
	if user := os.Getenv("API_REDIS_USER"); user != "" {
		config.Cache.User = user
	}
	if password := os.Getenv("API_REDIS_PASSWORD"); password != "" {
		config.Cache.Password = password
	}
	if certFile := os.Getenv("API_REDIS_SSL_CERTFILE"); certFile != "" {
		config.Cache.CertFile = certFile
	}
	if keyFile := os.Getenv("API_REDIS_SSL_KEYFILE"); keyFile != "" {
		config.Cache.KeyFile = keyFile
	}
	if exp := os.Getenv("API_CACHE_EXP"); exp != "" {
		if e, err := strconv.Atoi(exp); err == nil {
			config.Cache.Exp = e
		}
	}

	if discovery := os.Getenv("API_OIDC_DISCOVERY_URL"); discovery != "" {
		config.OIDC.DiscoveryURL = discovery
	}
	if clientID := os.Getenv("API_OIDC_CLIENT_ID"); clientID != "" {
		config.OIDC.ClientID = clientID
	}
	if clientSecret := os.Getenv("API_OIDC_CLIENT_SECRET"); clientSecret != "" {
		config.OIDC.ClientSecret = clientSecret
	}
	if claims := os.Getenv("API_OIDC_TOKEN_CLAIMS"); claims != "" {
		config.OIDC.TokenClaims = claims
	}
	if claims := os.Getenv("API_OIDC_ADMIN_CLAIMS"); claims != "" {
		config.OIDC.AdminClaims = claims
	}

	if level := os.Getenv("API_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if debug := os.Getenv("DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil && d {
			config.Debug = true
			config.Logging.Level = "debug"
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, services string, debug bool) {
	if port > 0 {
		config.Server.Port = port
	}
	if services != "" {
		names := []string{}
		for _, s := range strings.Split(services, ",") {
			if s = strings.TrimSpace(s); s != "" {
				names = append(names, s)
			}
		}
		config.Server.Services = names
	}
	if debug {
		config.Debug = true
		config.Logging.Level = "debug"
	}
}

// ServiceEnabled reports whether a service group is switched on.
func (c *Config) ServiceEnabled(name string) bool {
	for _, s := range c.Server.Services {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

// SolrURL returns the select endpoint URL for a core.
func (c *Config) SolrURL(core string) string {
	return fmt.Sprintf("http://%s:%d/solr/%s", c.Solr.Host, c.Solr.Port, core)
}

// LatestCore is the core holding only the newest version of each dataset.
func (c *Config) LatestCore() string { return "latest" }

// MongoURL returns the connection string for the statistics database.
func (c *Config) MongoURL() string {
	if c.Mongo.User != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d",
			url.QueryEscape(c.Mongo.User), url.QueryEscape(c.Mongo.Password),
			c.Mongo.Host, c.Mongo.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", c.Mongo.Host, c.Mongo.Port)
}

// RedisAddr returns the host:port address of the cache.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Cache.Host, c.Cache.Port)
}

// ParseClaimFilters parses "path:pattern,path:pattern" into ordered pairs.
// A path may contain dots to address nested claims.
func ParseClaimFilters(spec string) ([][2]string, error) {
	var filters [][2]string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		path, pattern, found := strings.Cut(part, ":")
		if !found || strings.TrimSpace(path) == "" || strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("invalid claim filter %q: want path:pattern", part)
		}
		filters = append(filters, [2]string{strings.TrimSpace(path), strings.TrimSpace(pattern)})
	}
	return filters, nil
}

// DeepCloneConfig creates a deep copy of the Config struct.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.Server.Services) > 0 {
		clone.Server.Services = append([]string(nil), c.Server.Services...)
	}
	if len(c.Server.RedirURL) > 0 {
		clone.Server.RedirURL = append([]string(nil), c.Server.RedirURL...)
	}
	if len(c.OIDC.AuthPorts) > 0 {
		clone.OIDC.AuthPorts = append([]int(nil), c.OIDC.AuthPorts...)
	}
	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = append([]string(nil), c.Logging.Output...)
	}
	return &clone
}

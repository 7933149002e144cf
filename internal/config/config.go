package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Routes     []RouteSpec      `yaml:"routes"`
	Versioning VersioningConfig `yaml:"versioning"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Producer   ProducerConfig   `yaml:"producer"`
	Store      StoreConfig      `yaml:"store"`
	Notify     NotifyConfig     `yaml:"notify"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type AuthConfig struct {
	HMACSecret       string   `yaml:"hmac_secret"`
	RSAPublicKeyFile string   `yaml:"rsa_public_key_file"`
	Leeway           Duration `yaml:"leeway"`
	AccessTokenTTL   Duration `yaml:"access_token_ttl"`
	MaxTokenTTL      Duration `yaml:"max_token_ttl"`
	PublicPaths      []string `yaml:"public_paths"`
	BypassRole       string   `yaml:"bypass_role"`
}

type CacheConfig struct {
	Backend   string `yaml:"backend"` // redis, memory
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RateLimitConfig struct {
	Enabled      bool                 `yaml:"enabled"`
	FailOpen     bool                 `yaml:"fail_open"`
	Default      QuotaSpec            `yaml:"default"`
	Tiers        map[string]TierSpec  `yaml:"tiers"`
	APIKeys      map[string]string    `yaml:"api_keys"` // key value -> tier name
	RouteQuotas  map[string]QuotaSpec `yaml:"route_quotas"`
	VersionQuota map[string]QuotaSpec `yaml:"version_quotas"`
	ViolationTTL Duration             `yaml:"violation_ttl"`
	// Escalation defaults for dimensions without a tier.
	ViolationThreshold int64    `yaml:"violation_threshold"`
	BlockDuration      Duration `yaml:"block_duration"`
}

type QuotaSpec struct {
	Algorithm     string   `yaml:"algorithm"` // fixed, sliding
	Capacity      int64    `yaml:"capacity"`
	Window        Duration `yaml:"window"`
	Burst         int64    `yaml:"burst"`
	ReplenishRate float64  `yaml:"replenish_rate"`
}

type TierSpec struct {
	QuotaSpec          `yaml:",inline"`
	ViolationThreshold int64    `yaml:"violation_threshold"`
	BlockDuration      Duration `yaml:"block_duration"`
}

type RouteSpec struct {
	ID         string        `yaml:"id"`
	Target     string        `yaml:"target"`
	Predicates PredicateSpec `yaml:"predicates"`
	Filters    FilterSpec    `yaml:"filters"`
}

type PredicateSpec struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
	Query   map[string]string `yaml:"query"`
	Version string            `yaml:"version"`
}

type FilterSpec struct {
	JWT     bool              `yaml:"jwt"`
	Quota   string            `yaml:"quota"`
	Rewrite *RewriteSpec      `yaml:"rewrite"`
	Breaker *BreakerSpec      `yaml:"breaker"`
	Headers map[string]string `yaml:"headers"`
}

type RewriteSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type BreakerSpec struct {
	FailureRatio float64  `yaml:"failure_ratio"`
	MinRequests  uint32   `yaml:"min_requests"`
	Cooldown     Duration `yaml:"cooldown"`
	MaxHalfOpen  uint32   `yaml:"max_half_open"`
}

type VersioningConfig struct {
	Supported  []string          `yaml:"supported"`
	Default    string            `yaml:"default"`
	Deprecated map[string]string `yaml:"deprecated"` // version -> warning text
}

type ProxyConfig struct {
	AllowedHeaders  []string `yaml:"allowed_headers"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	UpstreamTimeout Duration `yaml:"upstream_timeout"`
}

type ProducerConfig struct {
	URL            string   `yaml:"url"` // amqp://...; empty selects the in-memory broker
	Exchange       string   `yaml:"exchange"`
	DLXExchange    string   `yaml:"dlx_exchange"`
	MaxRetries     int      `yaml:"max_retries"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

type StoreConfig struct {
	DSN             string   `yaml:"dsn"` // postgres dsn; empty selects the in-memory store
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type NotifyConfig struct {
	DigestInterval Duration `yaml:"digest_interval"`
	MaxPageSize    int      `yaml:"max_page_size"`
}

type TemplatesConfig struct {
	SeedFile        string `yaml:"seed_file"`
	DefaultLanguage string `yaml:"default_language"`
}

type BroadcastConfig struct {
	SendBuffer     int      `yaml:"send_buffer"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// envPattern matches ${VAR} and ${VAR:-default} references.
var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv substitutes environment references in the raw config text
// before unmarshalling.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def := expr, ""
		if i := strings.Index(expr, ":-"); i >= 0 {
			name, def = expr[:i], expr[i+2:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// Defaults returns the baseline configuration; Load unmarshals on top.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{
			Leeway:         Duration(60 * time.Second),
			AccessTokenTTL: Duration(15 * time.Minute),
			MaxTokenTTL:    Duration(24 * time.Hour),
			PublicPaths:    []string{"/health/gateway", "/metrics", "/auth/token/validate/public"},
			BypassRole:     "EMERGENCY_OPS",
		},
		Cache: CacheConfig{Backend: "memory", PoolSize: 20, KeyPrefix: "edge:"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Default: QuotaSpec{
				Algorithm: "fixed",
				Capacity:  60,
				Window:    Duration(time.Minute),
			},
			ViolationTTL:       Duration(time.Hour),
			ViolationThreshold: 10,
			BlockDuration:      Duration(5 * time.Minute),
		},
		Versioning: VersioningConfig{
			Supported: []string{"v1"},
			Default:   "v1",
		},
		Proxy: ProxyConfig{
			AllowedHeaders: []string{
				"Accept", "Accept-Language", "Content-Type", "Content-Length",
				"Origin", "User-Agent", "Referer", "Cookie",
			},
			MaxConnsPerHost: 64,
			UpstreamTimeout: Duration(30 * time.Second),
		},
		Producer: ProducerConfig{
			Exchange:       "studyhive.notifications",
			DLXExchange:    "studyhive.notifications.dlx",
			MaxRetries:     2,
			ConfirmTimeout: Duration(5 * time.Second),
			RetryBackoff:   Duration(200 * time.Millisecond),
		},
		Store: StoreConfig{
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Notify: NotifyConfig{
			DigestInterval: Duration(time.Hour),
			MaxPageSize:    100,
		},
		Templates: TemplatesConfig{DefaultLanguage: "en"},
		Broadcast: BroadcastConfig{
			SendBuffer:     256,
			MaxMessageSize: 512 * 1024,
		},
	}
}

// Load reads, env-expands, unmarshals and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(expandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return fmt.Errorf("cache.addr required for redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q: must be redis or memory", c.Cache.Backend)
	}
	if err := c.RateLimit.Default.validateQuota("rate_limit.default"); err != nil {
		return err
	}
	for name, tier := range c.RateLimit.Tiers {
		if err := tier.QuotaSpec.validateQuota("rate_limit.tiers." + name); err != nil {
			return err
		}
	}
	for name, q := range c.RateLimit.RouteQuotas {
		if err := q.validateQuota("rate_limit.route_quotas." + name); err != nil {
			return err
		}
	}
	for name, q := range c.RateLimit.VersionQuota {
		if err := q.validateQuota("rate_limit.version_quotas." + name); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("routes[%d]: id required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if r.Predicates.Path == "" {
			return fmt.Errorf("route %s: predicates.path required", r.ID)
		}
		u, err := url.Parse(r.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("route %s: target %q is not an absolute URL", r.ID, r.Target)
		}
		if q := r.Filters.Quota; q != "" {
			if _, ok := c.RateLimit.RouteQuotas[q]; !ok {
				return fmt.Errorf("route %s: unknown quota %q", r.ID, q)
			}
		}
		if rw := r.Filters.Rewrite; rw != nil {
			if _, err := regexp.Compile(rw.From); err != nil {
				return fmt.Errorf("route %s: rewrite.from: %w", r.ID, err)
			}
		}
	}
	if len(c.Versioning.Supported) > 0 {
		ok := false
		for _, v := range c.Versioning.Supported {
			if v == c.Versioning.Default {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("versioning.default %q not in supported set", c.Versioning.Default)
		}
	}
	return nil
}

func (q QuotaSpec) validateQuota(where string) error {
	switch q.Algorithm {
	case "", "fixed":
		if q.Capacity <= 0 || q.Window <= 0 {
			return fmt.Errorf("%s: fixed window needs capacity and window > 0", where)
		}
	case "sliding":
		if q.Burst <= 0 || q.ReplenishRate <= 0 {
			return fmt.Errorf("%s: sliding window needs burst and replenish_rate > 0", where)
		}
	default:
		return fmt.Errorf("%s: unknown algorithm %q", where, q.Algorithm)
	}
	return nil
}

package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"cronicorn"`
	Password string `env:"PASSWORD"                envDefault:"cronicorn"`
	Name     string `env:"NAME"                    envDefault:"cronicorn"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	// MaxOpenConns caps the connection pool. The scheduler claim query and
	// the dispatcher workers share this pool, so it should comfortably
	// exceed the dispatcher concurrency.
	MaxOpenConns int `env:"MAX_OPEN_CONNS"    envDefault:"25"`
	// MaxIdleConns is the number of idle connections kept for reuse.
	MaxIdleConns int `env:"MAX_IDLE_CONNS"    envDefault:"5"`
	// ConnMaxLifetime recycles connections so load balancer and failover
	// changes are picked up.
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// Sanitize applies guardrails to database pool configuration values.
func (c *DBConfig) Sanitize() error {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return nil
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains cache configuration. The cache accelerates dashboard
// and planner reads over the shared Redis connection; it is never load-bearing.
type CacheConfig struct {
	// Enabled turns the read cache on. When false all reads go to Postgres.
	Enabled bool `env:"CACHE_ENABLED" envDefault:"false"`

	// DashboardTTL is the TTL for cached dashboard payloads.
	DashboardTTL time.Duration `env:"CACHE_DASHBOARD_TTL" envDefault:"30s"`

	// ResponseTTL is the TTL for cached latest-response reads.
	ResponseTTL time.Duration `env:"CACHE_RESPONSE_TTL" envDefault:"10s"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() error {
	if c.DashboardTTL <= 0 {
		c.DashboardTTL = 30 * time.Second
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 10 * time.Second
	}
	return nil
}

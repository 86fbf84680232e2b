package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/migrate"
)

// connectProbeTimeout bounds the liveness ping on freshly opened
// Postgres and Redis connections.
const connectProbeTimeout = 5 * time.Second

// DatabaseConfig carries the connection settings for the backing stores.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// ConnectDB opens the PostgreSQL pool and verifies it with a ping.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBConfig.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DBConfig.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConfig.ConnMaxLifetime)

	if err := probeConn("database", db.PingContext, db.Close); err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"database", cfg.DBConfig.Name,
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"max_open_conns", cfg.DBConfig.MaxOpenConns,
		)
	}

	return db, nil
}

// probeConn pings a freshly opened connection within the probe timeout and
// closes it on failure so a half-open pool never escapes to callers.
func probeConn(what string, ping func(context.Context) error, closeFn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectProbeTimeout)
	defer cancel()

	pingErr := ping(ctx)
	if pingErr == nil {
		return nil
	}
	if closeErr := closeFn(); closeErr != nil {
		pingErr = errors.Join(pingErr, fmt.Errorf("close %s: %w", what, closeErr))
	}
	return fmt.Errorf("ping %s: %w", what, pingErr)
}

// postgresDSN builds the connection string. Credentials go through
// url.UserPassword so special characters survive, and application_name
// labels the pool's sessions in pg_stat_activity.
func postgresDSN(db config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(db.User, db.Password),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   "/" + db.Name,
	}
	q := u.Query()
	q.Set("sslmode", db.SSLMode)
	q.Set("application_name", "cronicorn")
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectRedis builds the Redis client for the configured topology and
// verifies it with a ping. Cluster and sentinel are opt-in by flag; the
// default is a single node addressed by URI.
//
//nolint:ireturn // redis.UniversalClient keeps callers agnostic to the topology.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	client, target, err := redisClient(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := probeConn("redis", ping, client.Close); err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "target", redactTarget(target))
	}

	return client, nil
}

//nolint:ireturn // see ConnectRedis.
func redisClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	switch {
	case cfg.UseCluster:
		return clusterClient(cfg)
	case cfg.UseSentinel:
		return sentinelClient(cfg)
	default:
		return directClient(cfg)
	}
}

//nolint:ireturn // topology-specific constructor behind redisClient.
func clusterClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	opts := &redis.ClusterOptions{
		Addrs:    trimmedAddrs(cfg.ClusterNodes),
		Password: cfg.Password,
	}

	if len(opts.Addrs) == 0 {
		// No explicit node list. URI may name a single seed node, either
		// bare or as a URL carrying credentials and TLS settings.
		seed := strings.TrimSpace(cfg.URI)
		switch {
		case seed == "":
		case isRedisURL(seed):
			parsed, err := redis.ParseURL(seed)
			if err != nil {
				return nil, "", fmt.Errorf("parse redis cluster url: %w", err)
			}
			opts.Addrs = []string{parsed.Addr}
			opts.Username = parsed.Username
			if parsed.Password != "" {
				opts.Password = parsed.Password
			}
			opts.TLSConfig = parsed.TLSConfig
		default:
			opts.Addrs = []string{seed}
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, "", errors.New("redis cluster configuration requires at least one address")
	}

	return redis.NewClusterClient(opts), "cluster:" + strings.Join(opts.Addrs, ","), nil
}

//nolint:ireturn // topology-specific constructor behind redisClient.
func sentinelClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	if len(cfg.SentinelNodes) == 0 {
		return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
	}

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       cfg.SentinelMasterName,
		SentinelAddrs:    cfg.SentinelNodes,
		Password:         cfg.Password,
		SentinelPassword: cfg.SentinelPassword,
	})
	return client, "sentinel:" + cfg.SentinelMasterName, nil
}

//nolint:ireturn // topology-specific constructor behind redisClient.
func directClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	target := strings.TrimSpace(cfg.URI)
	if target == "" {
		return nil, "", errors.New("redis configuration requires a URI")
	}

	if isRedisURL(target) {
		opts, err := redis.ParseURL(target)
		if err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), target, nil
	}

	return redis.NewClient(&redis.Options{Addr: target, Password: cfg.Password}), target, nil
}

func trimmedAddrs(raw []string) []string {
	addrs := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	return addrs
}

// redactTarget strips credentials from a connection target before it is
// logged.
func redactTarget(target string) string {
	if u, err := url.Parse(target); err == nil && u.User != nil {
		u.User = url.User("*")
		return u.Redacted()
	}
	if i := strings.LastIndex(target, "@"); i > -1 {
		return target[i+1:]
	}
	return target
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations brings the schema up to date. Services call it on boot
// unless RUN_MIGRATIONS_ON_START is off; the admin CLI calls it directly.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate.Run(ctx, db, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.InfoContext(ctx, "database migrations completed")
	return nil
}

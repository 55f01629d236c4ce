package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/config"
)

// redisOptions maps the three deployment shapes onto redis.UniversalOptions.
// Sentinel sets MasterName, cluster sets IsClusterMode; anything else is a
// single node addressed by a host:port or a redis:// URL. The second return
// value names the target for logs and never carries credentials.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}

	switch {
	case cfg.UseSentinel:
		opts.Addrs = trimmed(cfg.SentinelNodes)
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis sentinel mode needs at least one sentinel node")
		}
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
		return opts, "sentinel:" + cfg.SentinelMasterName, nil

	case cfg.UseCluster:
		opts.IsClusterMode = true
		opts.DB = 0
		opts.Addrs = trimmed(cfg.ClusterNodes)
		if len(opts.Addrs) == 0 && strings.TrimSpace(cfg.URI) != "" {
			if err := applyURI(opts, cfg.URI); err != nil {
				return nil, "", err
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster mode needs at least one node")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	default:
		if strings.TrimSpace(cfg.URI) == "" {
			return nil, "", errors.New("redis URI is required")
		}
		if err := applyURI(opts, cfg.URI); err != nil {
			return nil, "", err
		}
		return opts, opts.Addrs[0], nil
	}
}

// applyURI fills the address, and any credentials, DB or TLS settings a
// redis:// or rediss:// URL carries. A bare host:port is used as-is.
func applyURI(opts *redis.UniversalOptions, raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "redis://") && !strings.HasPrefix(raw, "rediss://") {
		opts.Addrs = []string{raw}
		return nil
	}
	parsed, err := redis.ParseURL(raw)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	if !opts.IsClusterMode {
		opts.DB = parsed.DB
	}
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

func trimmed(addrs []string) []string {
	out := slices.DeleteFunc(slices.Clone(addrs), func(s string) bool { return strings.TrimSpace(s) == "" })
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

// OpenRedis builds a single, sentinel or cluster client from cfg and pings it.
//
//nolint:ireturn // the concrete client depends on the deployment shape.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (redis.UniversalClient, error) {
	opts, target, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis %s: %w", target, err), client.Close())
	}

	if logger != nil {
		logger.InfoContext(ctx, "redis connected", "target", target)
	}
	return client, nil
}

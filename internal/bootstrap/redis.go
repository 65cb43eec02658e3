package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/project-theia/theia-api/config"
	"github.com/redis/go-redis/v9"
)

type redisMode string

const (
	redisDirect   redisMode = "direct"
	redisSentinel redisMode = "sentinel"
	redisCluster  redisMode = "cluster"
)

// redisTarget is the resolved connection plan for one deployment topology.
type redisTarget struct {
	mode  redisMode
	addrs []string
	// opts is set when the URI was a redis:// or rediss:// URL.
	opts   *redis.Options
	master string
	cfg    config.RedisConfig
}

// describe renders the target for logs without credentials.
func (t redisTarget) describe() string {
	switch t.mode {
	case redisSentinel:
		return "sentinel:" + t.master
	case redisCluster:
		return "cluster:" + strings.Join(t.addrs, ",")
	default:
		return t.addrs[0]
	}
}

func resolveRedisTarget(c config.RedisConfig) (redisTarget, error) {
	t := redisTarget{cfg: c}
	switch {
	case c.UseCluster:
		t.mode = redisCluster
		t.addrs = trimAll(c.ClusterNodes)
		if len(t.addrs) > 0 {
			return t, nil
		}
		// A single seed node may come from the URI instead.
		if err := t.parseURI(c.URI); err != nil {
			return t, fmt.Errorf("parse redis cluster url: %w", err)
		}
		if len(t.addrs) == 0 {
			return t, errors.New("redis cluster configuration requires at least one address")
		}
	case c.UseSentinel:
		t.mode = redisSentinel
		t.master = c.SentinelMasterName
		t.addrs = trimAll(c.SentinelNodes)
		if len(t.addrs) == 0 {
			return t, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
	default:
		t.mode = redisDirect
		if err := t.parseURI(c.URI); err != nil {
			return t, fmt.Errorf("parse redis url: %w", err)
		}
		if len(t.addrs) == 0 {
			return t, errors.New("redis direct configuration requires a URI")
		}
	}
	return t, nil
}

func (t *redisTarget) parseURI(raw string) error {
	uri := strings.TrimSpace(raw)
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		t.addrs = []string{uri}
		return nil
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return err
	}
	t.opts = opts
	t.addrs = []string{opts.Addr}
	return nil
}

//nolint:ireturn // callers only need the UniversalClient surface
func (t redisTarget) client() redis.UniversalClient {
	switch t.mode {
	case redisCluster:
		o := &redis.ClusterOptions{Addrs: t.addrs, Password: t.cfg.Password}
		if t.opts != nil {
			o.Username = t.opts.Username
			o.TLSConfig = t.opts.TLSConfig
			if t.opts.Password != "" {
				o.Password = t.opts.Password
			}
		}
		return redis.NewClusterClient(o)
	case redisSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       t.master,
			SentinelAddrs:    t.addrs,
			Password:         t.cfg.Password,
			SentinelPassword: t.cfg.SentinelPassword,
		})
	default:
		if t.opts != nil {
			return redis.NewClient(t.opts)
		}
		return redis.NewClient(&redis.Options{Addr: t.addrs[0], Password: t.cfg.Password})
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConnectRedis builds a direct, sentinel or cluster client from config and
// pings it before returning.
//
//nolint:ireturn // callers only need the UniversalClient surface
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	target, err := resolveRedisTarget(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := target.client()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", errors.Join(err, client.Close()))
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "mode", string(target.mode), "addr", target.describe())
	}
	return client, nil
}

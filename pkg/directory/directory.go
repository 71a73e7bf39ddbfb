// Package directory implements the optional control-plane peer
// directory (SPEC_FULL.md §4.9): a remote, shared roster that can
// populate RequestedState.meshnet_config from Redis/Dragonfly instead
// of only local Device.SetMeshnetConfig calls from the embedding host.
//
// Grounded on the teacher's pkg/lighthouse/store.go: a *redis.Client
// wrapped in a small CRUD type, JSON-marshaled values behind a fixed
// key prefix, with writes notifying registered listeners for gossip
// propagation there and for local reconsolidation here.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
)

// rosterKeyPrefix mirrors the teacher's keyPrefix* convention in
// pkg/lighthouse/store.go.
const rosterKeyPrefix = "meshnet:roster:"

// Config configures a directory Client, following the teacher's
// Opts-struct-plus-constructor convention (pkg/daemon.Config/DaemonOpts).
type Config struct {
	// RedisAddr is the host:port of the Redis/Dragonfly instance holding
	// the roster.
	RedisAddr string
	// NetworkName identifies which mesh's roster to fetch; the roster
	// key is rosterKeyPrefix+NetworkName.
	NetworkName string
	// PollInterval is how often the roster is re-fetched. Defaults to
	// DefaultPollInterval when zero.
	PollInterval time.Duration
	// DB selects the Redis logical database, following the teacher's
	// per-service DB convention (lighthouse uses DB 1, chimney DB 0).
	DB int
}

// DefaultPollInterval mirrors a conservative control-plane refresh
// cadence; the roster is not expected to change faster than this.
const DefaultPollInterval = 10 * time.Second

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// roster is the wire format stored at rosterKeyPrefix+NetworkName.
type roster struct {
	Config  meshtypes.MeshConfig `json:"config"`
	Version int64                `json:"version"`
}

// Client polls a Redis-backed roster and applies it to a device
// whenever the stored version changes.
type Client struct {
	log  directoryLogger
	rdb  *redis.Client
	key  string
	poll time.Duration

	lastVersion int64
}

type directoryLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New connects to the configured Redis/Dragonfly instance. It does not
// fetch the roster until Run is called.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("directory: RedisAddr is required")
	}
	if cfg.NetworkName == "" {
		return nil, fmt.Errorf("directory: NetworkName is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DB:           cfg.DB,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("directory: connecting to %s: %w", cfg.RedisAddr, err)
	}

	return &Client{
		log:  meshlog.Component("directory"),
		rdb:  rdb,
		key:  rosterKeyPrefix + cfg.NetworkName,
		poll: cfg.PollInterval,
	}, nil
}

// Publish writes a new roster version, for use by whichever node is
// acting as the directory's writer (e.g. an operator tool, or a peer
// promoted to publish its own view of the mesh).
func (c *Client) Publish(ctx context.Context, cfg meshtypes.MeshConfig) error {
	r := roster{Config: cfg, Version: time.Now().UnixNano()}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("directory: marshal roster: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key, data, 0).Err(); err != nil {
		return fmt.Errorf("directory: publish roster: %w", err)
	}
	return nil
}

// fetch reads the current roster, reporting ok=false if unchanged
// since the last successful fetch (or absent).
func (c *Client) fetch(ctx context.Context) (meshtypes.MeshConfig, bool, error) {
	data, err := c.rdb.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return meshtypes.MeshConfig{}, false, nil
	}
	if err != nil {
		return meshtypes.MeshConfig{}, false, fmt.Errorf("directory: fetch roster: %w", err)
	}
	var r roster
	if err := json.Unmarshal(data, &r); err != nil {
		return meshtypes.MeshConfig{}, false, fmt.Errorf("directory: decode roster: %w", err)
	}
	if r.Version == c.lastVersion {
		return meshtypes.MeshConfig{}, false, nil
	}
	c.lastVersion = r.Version
	return r.Config, true, nil
}

// Run polls the roster at the configured interval until ctx is
// canceled, calling apply (typically Device.SetMeshnetConfig) whenever
// a new version appears. Fetch errors are logged and retried on the
// next tick rather than stopping the loop, matching the runtime task's
// "recover locally, surface globally" policy (SPEC_FULL.md §7).
func (c *Client) Run(ctx context.Context, apply func(context.Context, meshtypes.MeshConfig) error) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		cfg, changed, err := c.fetch(ctx)
		if err != nil {
			c.log.Warn("directory: poll failed", "error", err)
		} else if changed {
			if err := apply(ctx, cfg); err != nil {
				c.log.Warn("directory: applying roster failed", "error", err)
			} else {
				c.log.Debug("directory: applied new roster", "version", c.lastVersion)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

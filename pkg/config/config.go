package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue defaults
const (
	QueueChunkSize     = 200
	QueueChunkTimeout  = 15 * time.Second
	QueueFinalFlushMax = 30 * time.Second
	// fingerprints of delivered rows kept for dedup, about 40 bytes each
	QueueDeliveredKeys = 200_000
)

// QueueBackoff is the retry schedule after consecutive delivery failures.
// The last step repeats.
var QueueBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second}

// Scheduler defaults
const (
	PollInterval     = 2 * time.Minute
	DefaultLookback  = 48 * time.Hour
	RefreshDebounce  = 7 * time.Second
	DashboardDays    = 90
	RecentChartSpan  = 30 * time.Minute
	RecentChartCount = 30
)

// Insight defaults
const (
	BaselineWindowDays = 28
	RestingWindowStart = 0 * time.Hour
	RestingWindowEnd   = 8 * time.Hour
	RestingMinBuckets  = 5
	RestingPercentile  = 10
	ChartFallbackBPM   = 60
	ChartFallbackSpO2  = 95
)

// Dashboard chart shapes
const (
	SparkDays      = 7
	OverviewSpan   = 24 * time.Hour
	OverviewBucket = 30 * time.Minute
	ChartMaxPoints = 48
)

// Relay defaults
const (
	DefaultRelayURL       = "http://localhost:8787"
	DefaultRelayAddr      = ":8787"
	RelayRequestTimeout   = 10 * time.Second
	RelayMaxRowsPerInsert = 5000
	RelayMaxStorageMB     = 512
	RelayDataDir          = "./data/relay"
	RelayDevSQL           = true
)

// Relay live feed (websocket) settings
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSChannelBuffer   = 10
	WSBroadcastBuffer = 100
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Sources lists the identity.source values the sink accepts.
var Sources = []string{"apple_health", "google_fit", "demo"}

// StorageCheckCache bounds how often the relay walks its data directory.
const StorageCheckCache = 10 * time.Second

// Agent defaults
const (
	DefaultAgentAddr   = ":8788"
	DefaultUserID      = "u_dev"
	DefaultSource      = "demo"
	DefaultCheckpoints = "badger"
	DefaultDataDir     = "./data/vitalsync"
	ShutdownTimeout    = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	RelayProbeInterval = 30 * time.Second
	CheckpointGCEvery  = time.Hour
)

// Checkpoint backends
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the validated configuration shared by the agent and relay commands.
type Config struct {
	Log        LogConfig
	Identity   IdentityConfig
	Relay      RelayConfig
	Queue      QueueConfig
	Scheduler  SchedulerConfig
	Checkpoint CheckpointConfig
	Agent      AgentConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// IdentityConfig is stamped onto every outgoing row.
type IdentityConfig struct {
	UserID   string
	Source   string
	DeviceID string
}

type RelayConfig struct {
	URL          string
	Addr         string
	Timeout      time.Duration
	DataDir      string
	MaxStorageMB int64
	DevSQL       bool
}

type QueueConfig struct {
	ChunkSize int
	Timeout   time.Duration
	Backoff   []time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
	Lookback time.Duration
	Debounce time.Duration
}

type CheckpointConfig struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisDB   int
	Prefix    string
}

type AgentConfig struct {
	Addr string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("identity.user_id", DefaultUserID)
	v.SetDefault("identity.source", DefaultSource)
	v.SetDefault("identity.device_id", "")

	v.SetDefault("relay.url", DefaultRelayURL)
	v.SetDefault("relay.addr", DefaultRelayAddr)
	v.SetDefault("relay.timeout", RelayRequestTimeout)
	v.SetDefault("relay.data_dir", RelayDataDir)
	v.SetDefault("relay.max_storage_mb", RelayMaxStorageMB)
	v.SetDefault("relay.dev_sql", RelayDevSQL)

	v.SetDefault("queue.chunk_size", QueueChunkSize)
	v.SetDefault("queue.timeout", QueueChunkTimeout)

	v.SetDefault("scheduler.interval", PollInterval)
	v.SetDefault("scheduler.lookback", DefaultLookback)
	v.SetDefault("scheduler.debounce", RefreshDebounce)

	v.SetDefault("checkpoint.backend", DefaultCheckpoints)
	v.SetDefault("checkpoint.path", DefaultDataDir)
	v.SetDefault("checkpoint.redis_addr", "localhost:6379")
	v.SetDefault("checkpoint.redis_db", 0)
	v.SetDefault("checkpoint.prefix", "vitalsync:")

	v.SetDefault("agent.addr", DefaultAgentAddr)
}

// NewViper returns a viper instance reading VITALSYNC_* env vars and an
// optional vitalsync.yaml from the working or home directory.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("vitalsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("VITALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Identity: IdentityConfig{
			UserID:   v.GetString("identity.user_id"),
			Source:   v.GetString("identity.source"),
			DeviceID: v.GetString("identity.device_id"),
		},
		Relay: RelayConfig{
			URL:          v.GetString("relay.url"),
			Addr:         v.GetString("relay.addr"),
			Timeout:      v.GetDuration("relay.timeout"),
			DataDir:      v.GetString("relay.data_dir"),
			MaxStorageMB: v.GetInt64("relay.max_storage_mb"),
			DevSQL:       v.GetBool("relay.dev_sql"),
		},
		Queue: QueueConfig{
			ChunkSize: v.GetInt("queue.chunk_size"),
			Timeout:   v.GetDuration("queue.timeout"),
			Backoff:   append([]time.Duration(nil), QueueBackoff...),
		},
		Scheduler: SchedulerConfig{
			Interval: v.GetDuration("scheduler.interval"),
			Lookback: v.GetDuration("scheduler.lookback"),
			Debounce: v.GetDuration("scheduler.debounce"),
		},
		Checkpoint: CheckpointConfig{
			Backend:   strings.ToLower(v.GetString("checkpoint.backend")),
			Path:      v.GetString("checkpoint.path"),
			RedisAddr: v.GetString("checkpoint.redis_addr"),
			RedisDB:   v.GetInt("checkpoint.redis_db"),
			Prefix:    v.GetString("checkpoint.prefix"),
		},
		Agent: AgentConfig{
			Addr: v.GetString("agent.addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	if c.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Scheduler.Lookback <= 0 {
		return fmt.Errorf("scheduler.lookback must be positive, got %v", c.Scheduler.Lookback)
	}
	if c.Queue.ChunkSize <= 0 || c.Queue.ChunkSize > RelayMaxRowsPerInsert {
		return fmt.Errorf("queue.chunk_size must be between 1 and %d, got %d", RelayMaxRowsPerInsert, c.Queue.ChunkSize)
	}
	if !slices.Contains(Sources, c.Identity.Source) {
		return fmt.Errorf("unknown identity.source %q (want %s)", c.Identity.Source, strings.Join(Sources, ", "))
	}
	switch c.Checkpoint.Backend {
	case BackendBadger, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown checkpoint backend %q (want badger, redis or memory)", c.Checkpoint.Backend)
	}
	return nil
}

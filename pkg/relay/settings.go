package relay

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the typed, validated configuration surface read once at
// process startup from the environment. Nothing downstream reads os.Getenv
// directly; everything is threaded through this struct.
type Settings struct {
	PGHost     string
	PGPort     int
	PGUser     string
	PGPassword string
	PGDatabase string

	ReplicationSlot      string
	LeaderLockKeyOverride int64
	HasLeaderLockOverride bool

	// PartitionKeyFallbackColumn names the column to route by when a change
	// carries no wal2json-reported primary key; empty means fall back
	// straight to table-granularity routing.
	PartitionKeyFallbackColumn string

	AWSRegion     string
	KinesisStream string

	MaxRecords   int
	MaxBatchBytes int
	MaxLinger    time.Duration

	QueueMaxCount int
	QueueMaxBytes int

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// MaxSinkAttemptsPerSecond throttles PutRecords dispatch rate as a
	// safety valve independent of the sink's own throttling; 0 is unlimited.
	MaxSinkAttemptsPerSecond float64

	FeedbackInterval  time.Duration
	WatchdogInterval  time.Duration
	LeaderAcquireInterval time.Duration

	LogLevel  string
	LogFormat string

	HTTPListenAddr string
}

// LoadSettingsFromEnv reads and validates Settings from the process
// environment. A non-nil error here is fatal at startup (exit non-zero);
// the supervisor is never started with invalid configuration.
func LoadSettingsFromEnv() (Settings, error) {
	s := Settings{
		PGHost:     getenvDefault("PGHOST", "localhost"),
		PGUser:     getenvDefault("PGUSER", "postgres"),
		PGPassword: os.Getenv("PGPASSWORD"),
		PGDatabase: getenvDefault("PGDATABASE", "postgres"),

		ReplicationSlot:            os.Getenv("REPLICATION_SLOT"),
		PartitionKeyFallbackColumn: getenvDefault("PARTITION_KEY_FALLBACK_COLUMN", ""),

		AWSRegion:     os.Getenv("AWS_REGION"),
		KinesisStream: os.Getenv("KINESIS_STREAM"),

		LogLevel:  getenvDefault("LOG_LEVEL", "info"),
		LogFormat: getenvDefault("LOG_FORMAT", "logfmt"),

		HTTPListenAddr: getenvDefault("HTTP_LISTEN_ADDR", ":8080"),
	}

	var err error
	if s.PGPort, err = getenvInt("PGPORT", 5432); err != nil {
		return Settings{}, err
	}
	if s.MaxRecords, err = getenvInt("MAX_RECORDS", 500); err != nil {
		return Settings{}, err
	}
	if s.MaxBatchBytes, err = getenvInt("MAX_BATCH_BYTES", 4*1024*1024); err != nil {
		return Settings{}, err
	}
	if s.MaxLinger, err = getenvDuration("MAX_LINGER_MS", 200*time.Millisecond); err != nil {
		return Settings{}, err
	}
	if s.QueueMaxCount, err = getenvInt("QUEUE_MAX_COUNT", 10_000); err != nil {
		return Settings{}, err
	}
	if s.QueueMaxBytes, err = getenvInt("QUEUE_MAX_BYTES", 64*1024*1024); err != nil {
		return Settings{}, err
	}
	if s.MaxAttempts, err = getenvInt("MAX_ATTEMPTS", 5); err != nil {
		return Settings{}, err
	}
	if s.BaseDelay, err = getenvDuration("RETRY_BASE_DELAY_MS", 200*time.Millisecond); err != nil {
		return Settings{}, err
	}
	if s.MaxDelay, err = getenvDuration("RETRY_MAX_DELAY_MS", 30*time.Second); err != nil {
		return Settings{}, err
	}
	if s.Multiplier, err = getenvFloat("RETRY_MULTIPLIER", 2.0); err != nil {
		return Settings{}, err
	}
	if s.MaxSinkAttemptsPerSecond, err = getenvFloat("MAX_SINK_ATTEMPTS_PER_SECOND", 0); err != nil {
		return Settings{}, err
	}
	if s.FeedbackInterval, err = getenvDuration("FEEDBACK_INTERVAL_MS", 10*time.Second); err != nil {
		return Settings{}, err
	}
	if s.WatchdogInterval, err = getenvDuration("WATCHDOG_INTERVAL_MS", 5*time.Second); err != nil {
		return Settings{}, err
	}
	if s.LeaderAcquireInterval, err = getenvDuration("LEADER_ACQUIRE_INTERVAL_MS", 2*time.Second); err != nil {
		return Settings{}, err
	}

	if raw := os.Getenv("LEADER_LOCK_KEY_OVERRIDE"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("LEADER_LOCK_KEY_OVERRIDE: %w", err)
		}
		s.LeaderLockKeyOverride = v
		s.HasLeaderLockOverride = true
	}

	return s, s.Validate()
}

// Validate checks the invariants Settings must satisfy before the
// supervisor is allowed to start. It is also exercised directly by tests
// so validation doesn't require environment manipulation.
func (s Settings) Validate() error {
	if s.ReplicationSlot == "" {
		return fmt.Errorf("REPLICATION_SLOT is required")
	}
	if s.KinesisStream == "" {
		return fmt.Errorf("KINESIS_STREAM is required")
	}
	if s.MaxRecords <= 0 {
		return fmt.Errorf("MAX_RECORDS must be positive")
	}
	if s.MaxBatchBytes <= 0 {
		return fmt.Errorf("MAX_BATCH_BYTES must be positive")
	}
	if s.QueueMaxCount <= 0 || s.QueueMaxBytes <= 0 {
		return fmt.Errorf("QUEUE_MAX_COUNT and QUEUE_MAX_BYTES must be positive")
	}
	if s.QueueMaxCount < s.MaxRecords {
		return fmt.Errorf("QUEUE_MAX_COUNT (%d) must be >= MAX_RECORDS (%d)", s.QueueMaxCount, s.MaxRecords)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	if s.Multiplier <= 1.0 {
		return fmt.Errorf("RETRY_MULTIPLIER must be > 1.0")
	}
	if s.MaxSinkAttemptsPerSecond < 0 {
		return fmt.Errorf("MAX_SINK_ATTEMPTS_PER_SECOND must be >= 0")
	}
	if s.LogFormat != "json" && s.LogFormat != "logfmt" && s.LogFormat != "plain" {
		return fmt.Errorf("LOG_FORMAT must be one of json, logfmt, plain")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

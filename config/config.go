// Package config loads and validates the service configuration from a JSON
// file with environment overrides for deployment-specific settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lodgic/graphsync/errors"
)

// Duration wraps time.Duration so JSON config can use strings like "5s"
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration value of type %T", raw)
	}
}

// MarshalJSON serializes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library form
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig holds connection settings
type NATSConfig struct {
	URL            string   `json:"url"`
	Name           string   `json:"name"`
	MaxReconnects  int      `json:"maxReconnects"`
	ReconnectWait  Duration `json:"reconnectWait"`
	ConnectTimeout Duration `json:"connectTimeout"`
}

// BucketConfig names the KV buckets the engine persists into
type BucketConfig struct {
	Graph      string `json:"graph"`
	Watermarks string `json:"watermarks"`
	DeadLetter string `json:"deadLetter"`
}

// IngestConfig shapes the streaming pipeline
type IngestConfig struct {
	StreamName        string   `json:"streamName"`
	Subjects          []string `json:"subjects"`
	Durable           string   `json:"durable"`
	Workers           int      `json:"workers"`
	QueueSize         int      `json:"queueSize"`
	GapWindow         Duration `json:"gapWindow"`
	MaxBufferedPerKey int      `json:"maxBufferedPerKey"`
	ThrottleRate      float64  `json:"throttleRate"`
	ThrottleBurst     int      `json:"throttleBurst"`
	StopTimeout       Duration `json:"stopTimeout"`
}

// MergeConfig shapes edge parking and merge retries
type MergeConfig struct {
	ParkRetries int      `json:"parkRetries"`
	ParkDelay   Duration `json:"parkDelay"`
}

// TrackerConfig sets consistency thresholds
type TrackerConfig struct {
	DegradedAfter Duration `json:"degradedAfter"`
	StalledAfter  Duration `json:"stalledAfter"`
}

// QueryConfig shapes the query service
type QueryConfig struct {
	MaxDepth   int      `json:"maxDepth"`
	MaxResults int      `json:"maxResults"`
	CacheSize  int      `json:"cacheSize"`
	CacheTTL   Duration `json:"cacheTTL"`
	RateLimit  float64  `json:"rateLimit"`
	RateBurst  int      `json:"rateBurst"`
}

// BackfillConfig shapes snapshot loading
type BackfillConfig struct {
	ChunkSize   int `json:"chunkSize"`
	Parallelism int `json:"parallelism"`
}

// Config is the full service configuration
type Config struct {
	HTTPAddr          string         `json:"httpAddr"`
	LogLevel          string         `json:"logLevel"`
	DeadLetterSubject string         `json:"deadLetterSubject"`
	NATS              NATSConfig     `json:"nats"`
	Buckets           BucketConfig   `json:"buckets"`
	Ingest            IngestConfig   `json:"ingest"`
	Merge             MergeConfig    `json:"merge"`
	Tracker           TrackerConfig  `json:"tracker"`
	Query             QueryConfig    `json:"query"`
	Backfill          BackfillConfig `json:"backfill"`
}

// Default returns the baseline configuration
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		DeadLetterSubject: "graphsync.deadletter",
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "graphsync",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		Buckets: BucketConfig{
			Graph:      "graphsync-graph",
			Watermarks: "graphsync-watermarks",
			DeadLetter: "graphsync-deadletter",
		},
		Ingest: IngestConfig{
			StreamName:        "GRAPH_EVENTS",
			Subjects:          []string{"events.>"},
			Durable:           "graphsync-ingest",
			Workers:           8,
			QueueSize:         1024,
			GapWindow:         Duration(5 * time.Second),
			MaxBufferedPerKey: 32,
			ThrottleRate:      50,
			ThrottleBurst:     10,
			StopTimeout:       Duration(30 * time.Second),
		},
		Merge: MergeConfig{
			ParkRetries: 3,
			ParkDelay:   Duration(2 * time.Second),
		},
		Tracker: TrackerConfig{
			DegradedAfter: Duration(30 * time.Second),
			StalledAfter:  Duration(5 * time.Minute),
		},
		Query: QueryConfig{
			MaxDepth:   6,
			MaxResults: 200,
			CacheSize:  4096,
			CacheTTL:   Duration(2 * time.Second),
			RateLimit:  200,
			RateBurst:  50,
		},
		Backfill: BackfillConfig{
			ChunkSize:   200,
			Parallelism: 8,
		},
	}
}

// Load reads the config file, layering it over defaults. An empty path
// returns defaults. NATS_URL in the environment overrides the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapFatal(err, "Config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapFatal(err, "Config", "Load", "parse "+path)
		}
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c Config) Validate() error {
	invalid := func(field, reason string) error {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("%s: %s", field, reason))
	}

	if c.NATS.URL == "" {
		return invalid("nats.url", "must not be empty")
	}
	if c.Buckets.Graph == "" || c.Buckets.Watermarks == "" {
		return invalid("buckets", "graph and watermark buckets must be named")
	}
	if c.Buckets.Graph == c.Buckets.Watermarks {
		return invalid("buckets", "graph and watermark buckets must differ")
	}
	if c.Ingest.Workers <= 0 {
		return invalid("ingest.workers", "must be positive")
	}
	if c.Ingest.GapWindow.Std() <= 0 {
		return invalid("ingest.gapWindow", "must be positive")
	}
	if c.Merge.ParkRetries <= 0 {
		return invalid("merge.parkRetries", "must be positive")
	}
	if c.Tracker.StalledAfter.Std() <= c.Tracker.DegradedAfter.Std() {
		return invalid("tracker.stalledAfter", "must exceed degradedAfter")
	}
	if c.Query.MaxDepth <= 0 {
		return invalid("query.maxDepth", "must be positive")
	}
	return nil
}

// Package config is Leo's configuration layer: a single JSON-persisted
// struct with defaults and a Validate method, in the style of the teacher's
// cmn/jsp save/load idiom and cmn.Validator interface, decoded with
// github.com/json-iterator/go — the teacher's own JSON library of choice.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	leoerrors "github.com/leohq/leo/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds every tunable named or implied by the spec: Index Listener
// parallelism and polling cadence, lock lease duration, the adapter's
// chunked-upload threshold, and the default compression codec.
type Config struct {
	// Listener.Parallelism is P (spec §4.3): the number of logical keys
	// allowed in flight concurrently. Zero means "use GOMAXPROCS".
	Listener ListenerConfig `json:"listener"`

	// Lock.LeaseDuration and Lock.RenewInterval are validated
	// (RenewInterval must be positive and below LeaseDuration) but no
	// adapter reads them: localblob and s3blob use a fixed 30s lock TTL,
	// azureblob takes its lease length as a New argument, and leases are
	// never renewed while held. Lock.SigningKey is used (see SigningSecret).
	Lock LockConfig `json:"lock"`

	// Queue.MessageLeaseDuration is how long a received message stays
	// invisible before becoming eligible for redelivery (spec §5: "Queue
	// message visibility is the lease duration (recommended 1 min)").
	Queue QueueConfig `json:"queue"`

	// ChunkThresholdBytes is validated but no adapter reads it: azureblob,
	// s3blob and localblob buffer the whole payload and write it in one
	// request, and gcsblob leaves chunking to the GCS client's writer.
	ChunkThresholdBytes int64 `json:"chunk_threshold_bytes"`

	// CompressionCodec selects the Compressor leocrypto.ByName resolves:
	// "zstd" (default) or "lz4".
	CompressionCodec string `json:"compression_codec"`
}

type ListenerConfig struct {
	Parallelism    int           `json:"parallelism"`
	EmptyPollSleep time.Duration `json:"empty_poll_sleep"`
	MaxBatch       int           `json:"max_batch"`
}

type LockConfig struct {
	LeaseDuration time.Duration `json:"lease_duration"`
	RenewInterval time.Duration `json:"renew_interval"`

	// SigningKey is the base64-encoded HMAC secret internal/leolease uses
	// to sign and verify every backend's Lock lease tokens. Default()
	// mints a fresh random key; Save/Load round-trip it so a given
	// installation keeps verifying its own leases across restarts.
	SigningKey string `json:"signing_key"`
}

type QueueConfig struct {
	MessageLeaseDuration time.Duration `json:"message_lease_duration"`
}

// SigningSecret decodes Lock.SigningKey for internal/leolease.NewSigner.
// Callers should only invoke this after Validate has passed.
func (c *Config) SigningSecret() []byte {
	key, _ := base64.StdEncoding.DecodeString(c.Lock.SigningKey)
	return key
}

// Default returns the recommended configuration (spec §5: lease duration
// "recommended 1 min"; renewal "< lease/2"; empty-poll sleep "2s"). The
// signing key is freshly random each call; Save persists it so an
// installation verifies its own lease tokens consistently across restarts.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Parallelism:    0,
			EmptyPollSleep: 2 * time.Second,
			MaxBatch:       32,
		},
		Lock: LockConfig{
			LeaseDuration: time.Minute,
			RenewInterval: 20 * time.Second,
			SigningKey:    newSigningKey(),
		},
		Queue: QueueConfig{
			MessageLeaseDuration: time.Minute,
		},
		ChunkThresholdBytes: 8 * 1024 * 1024,
		CompressionCodec:    "zstd",
	}
}

// newSigningKey mints a random 32-byte HMAC secret for lease-token signing,
// base64-encoded for JSON storage.
func newSigningKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("leo: config: crypto/rand unavailable: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Validate implements the teacher's cmn.Validator contract: a Config must
// validate cleanly before anything is wired to it.
func (c *Config) Validate() error {
	if c.Listener.Parallelism < 0 {
		return leoerrors.NewConfigurationError("listener.parallelism must be >= 0, got %d", c.Listener.Parallelism)
	}
	if c.Lock.LeaseDuration <= 0 {
		return leoerrors.NewConfigurationError("lock.lease_duration must be positive")
	}
	if c.Lock.RenewInterval <= 0 || c.Lock.RenewInterval >= c.Lock.LeaseDuration {
		return leoerrors.NewConfigurationError("lock.renew_interval must be positive and less than lease_duration")
	}
	if key, err := base64.StdEncoding.DecodeString(c.Lock.SigningKey); err != nil || len(key) == 0 {
		return leoerrors.NewConfigurationError("lock.signing_key must be a non-empty base64-encoded secret")
	}
	if c.Queue.MessageLeaseDuration <= 0 {
		return leoerrors.NewConfigurationError("queue.message_lease_duration must be positive")
	}
	if c.ChunkThresholdBytes <= 0 {
		return leoerrors.NewConfigurationError("chunk_threshold_bytes must be positive")
	}
	switch c.CompressionCodec {
	case "zstd", "lz4":
	default:
		return leoerrors.NewConfigurationError("unknown compression_codec %q", c.CompressionCodec)
	}
	return nil
}

// Load reads a JSON-encoded Config from path, applying Default() for any
// zero-valued field the file didn't set, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, leoerrors.NewStorageError("Load", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, leoerrors.NewConfigurationError("malformed config at %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists cfg as indented JSON, mirroring cmn/jsp's "save to a tmp
// file location" intent without the checksum framing — Leo's config is
// small, host-local, and re-derivable, so a checksum buys little here.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

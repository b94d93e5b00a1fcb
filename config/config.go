// Package config reads the uploader settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	envparser "github.com/caarlos0/env/v9"
	"github.com/docker/go-units"

	"github.com/episodehub/go-uploader/upload"
	"github.com/episodehub/go-uploader/upload/network"
	"github.com/episodehub/go-uploader/upload/network/partuploader"
)

// Prefix is prepended to every environment variable name.
const Prefix = "UPLOADER_"

// Backend names.
const (
	BackendAPI = "api"
	BackendS3  = "s3"
)

const minS3PartSize = 5 * 1024 * 1024

// Secret is a string that is masked when printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ByteSize accepts plain byte counts and human readable sizes like 10MiB.
type ByteSize int64

// UnmarshalText parses binary size units.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := units.RAMInBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", string(text), err)
	}
	*b = ByteSize(size)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// S3Config configures the direct S3 backend.
type S3Config struct {
	Bucket          string        `env:"BUCKET"`
	Region          string        `env:"REGION"`
	AccessKeyID     Secret        `env:"ACCESS_KEY_ID"`
	SecretAccessKey Secret        `env:"SECRET_ACCESS_KEY"`
	Endpoint        string        `env:"ENDPOINT"`
	KeyPrefix       string        `env:"KEY_PREFIX" envDefault:"uploads"`
	PresignExpiry   time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
	PathStyle       bool          `env:"PATH_STYLE"`
}

// Config holds every uploader setting.
type Config struct {
	Backend     string `env:"BACKEND" envDefault:"api"`
	APIURL      string `env:"API_URL"`
	AccessToken Secret `env:"ACCESS_TOKEN"`
	Category    string `env:"CATEGORY" envDefault:"dataset"`

	PartSize   ByteSize `env:"PART_SIZE" envDefault:"10MiB"`
	HashWindow ByteSize `env:"HASH_WINDOW" envDefault:"2MiB"`

	TransferTimeout      time.Duration `env:"TRANSFER_TIMEOUT" envDefault:"60s"`
	MaxAttempts          int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	PartConcurrency      int           `env:"PART_CONCURRENCY" envDefault:"1"`
	FailFastClientErrors bool          `env:"FAIL_FAST_CLIENT_ERRORS"`

	SessionConcurrency int `env:"SESSION_CONCURRENCY" envDefault:"4"`
	MaxFiles           int `env:"MAX_FILES" envDefault:"50"`

	Verbose   bool `env:"VERBOSE"`
	Analytics bool `env:"ANALYTICS"`

	S3 S3Config `envPrefix:"S3_"`
}

// Parse reads the configuration from the environment repository.
func Parse(envRepo env.Repository) (Config, error) {
	environment := map[string]string{}
	for _, kv := range envRepo.List() {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		environment[key] = value
	}

	var cfg Config
	if err := envparser.ParseWithOptions(&cfg, envparser.Options{
		Environment: environment,
		Prefix:      Prefix,
	}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings of the selected backend.
func (c Config) Validate() error {
	if c.PartSize <= 0 {
		return fmt.Errorf("%sPART_SIZE must be positive", Prefix)
	}
	if c.HashWindow <= 0 {
		return fmt.Errorf("%sHASH_WINDOW must be positive", Prefix)
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("%sTRANSFER_TIMEOUT must be positive", Prefix)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%sMAX_ATTEMPTS must be at least 1", Prefix)
	}
	if c.PartConcurrency < 1 || c.SessionConcurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.MaxFiles < 1 {
		return fmt.Errorf("%sMAX_FILES must be at least 1", Prefix)
	}

	switch c.Backend {
	case BackendAPI:
		if c.APIURL == "" {
			return fmt.Errorf("%sAPI_URL is required for the %s backend", Prefix, BackendAPI)
		}
	case BackendS3:
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("%sS3_BUCKET and %sS3_REGION are required for the %s backend", Prefix, Prefix, BackendS3)
		}
		if c.PartSize < minS3PartSize {
			return fmt.Errorf("%sPART_SIZE must be at least %s for the %s backend", Prefix, units.BytesSize(minS3PartSize), BackendS3)
		}
	default:
		return fmt.Errorf("unknown backend %q, expected %s or %s", c.Backend, BackendAPI, BackendS3)
	}

	return nil
}

// TransferConfig returns the part uploader settings.
func (c Config) TransferConfig() partuploader.Config {
	transfer := partuploader.DefaultConfig()
	transfer.MaxAttempts = c.MaxAttempts
	transfer.AttemptTimeout = c.TransferTimeout
	transfer.Concurrency = c.PartConcurrency
	transfer.FailFastOnClientError = c.FailFastClientErrors
	return transfer
}

// BatchConfig returns the session and batch settings.
func (c Config) BatchConfig() upload.BatchConfig {
	return upload.BatchConfig{
		Session: upload.SessionConfig{
			Category:       c.Category,
			PartSize:       int64(c.PartSize),
			HashWindowSize: int64(c.HashWindow),
		},
		SessionConcurrency: c.SessionConcurrency,
		MaxFiles:           c.MaxFiles,
	}
}

// S3Params returns the S3 backend settings.
func (c Config) S3Params() network.S3Params {
	return network.S3Params{
		Bucket:          c.S3.Bucket,
		Region:          c.S3.Region,
		AccessKeyID:     string(c.S3.AccessKeyID),
		SecretAccessKey: string(c.S3.SecretAccessKey),
		Endpoint:        c.S3.Endpoint,
		UsePathStyle:    c.S3.PathStyle,
		KeyPrefix:       c.S3.KeyPrefix,
		PresignExpiry:   c.S3.PresignExpiry,
	}
}

// Print logs the effective configuration with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- backend: %s", c.Backend)
	if c.Backend == BackendAPI {
		logger.Printf("- api url: %s", c.APIURL)
		logger.Printf("- access token: %s", c.AccessToken)
	} else {
		logger.Printf("- bucket: %s (%s)", c.S3.Bucket, c.S3.Region)
		if c.S3.Endpoint != "" {
			logger.Printf("- endpoint: %s", c.S3.Endpoint)
		}
		logger.Printf("- access key id: %s", c.S3.AccessKeyID)
	}
	logger.Printf("- category: %s", c.Category)
	logger.Printf("- part size: %s", c.PartSize)
	logger.Printf("- hash window: %s", c.HashWindow)
	logger.Printf("- transfer timeout: %s, attempts: %d", c.TransferTimeout, c.MaxAttempts)
	logger.Printf("- part concurrency: %d, session concurrency: %d", c.PartConcurrency, c.SessionConcurrency)
	logger.Printf("- max files: %d", c.MaxFiles)
}

// Package config loads the CLI and relay configuration from the environment.
//
// Values are read from BLOBRELAY_* variables, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/retry"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

// Prefix of every environment variable.
const Prefix = "BLOBRELAY"

// MinS3PartSize is the smallest part S3 accepts in a multipart upload, except for the last one.
const MinS3PartSize = 5 * 1024 * 1024

// Backends
const (
	BackendBlob = "blob"
	BackendPCS  = "pcs"
	BackendS3   = "s3"
)

var validate = validator.New()

// Client configures the upload side: the relay client and the session client.
type Client struct {
	RelayURL        string        `envconfig:"RELAY_URL" validate:"required,url"`
	Token           Secret        `envconfig:"TOKEN"`
	ChunkSize       ByteSize      `envconfig:"CHUNK_SIZE" default:"10MB" validate:"min=1000,max=2000000000"`
	Encoding        string        `envconfig:"ENCODING" default:"binary" validate:"oneof=binary base64"`
	Digest          string        `envconfig:"DIGEST" default:"md5" validate:"oneof=md5 sha256"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1,max=20"`
	RetryBaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s" validate:"min=0s"`
	ChunkTimeout    time.Duration `envconfig:"CHUNK_TIMEOUT" default:"10m" validate:"min=1s"`
	FinalizeTimeout time.Duration `envconfig:"FINALIZE_TIMEOUT" default:"5m" validate:"min=1s"`
	Parallel        int           `envconfig:"PARALLEL" default:"2" validate:"min=1,max=16"`
	CatalogTable    string        `envconfig:"CATALOG_TABLE"`
	AWSRegion       string        `envconfig:"AWS_REGION" validate:"required_with=CatalogTable"`
	Verbose         bool          `envconfig:"VERBOSE"`
}

// Relay configures the relay server and the remote store it forwards to.
type Relay struct {
	Addr           string   `envconfig:"ADDR" default:":8080" validate:"required"`
	Env            string   `envconfig:"ENV" default:"dev"`
	Token          Secret   `envconfig:"TOKEN"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS"`
	Tracing        bool     `envconfig:"TRACING"`
	MaxChunkSize   ByteSize `envconfig:"MAX_CHUNK_SIZE" default:"64MB" validate:"min=1000"`
	ChunkSize      ByteSize `envconfig:"CHUNK_SIZE" default:"10MB" validate:"min=1000,max=2000000000"`
	Digest         string   `envconfig:"DIGEST" default:"md5" validate:"oneof=md5 sha256"`
	VerifyChunks   bool     `envconfig:"VERIFY_CHUNKS" default:"true"`
	Backend        string   `envconfig:"BACKEND" default:"blob" validate:"oneof=blob pcs s3"`
	BlobURL        string   `envconfig:"BLOB_URL" default:"file:///tmp/blobrelay" validate:"required_if=Backend blob"`
	PublicBaseURL  string   `envconfig:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	NotifyQueueURL string   `envconfig:"NOTIFY_QUEUE_URL" validate:"omitempty,url"`
	AWSRegion      string   `envconfig:"AWS_REGION"`
	Verbose        bool     `envconfig:"VERBOSE"`

	PCS PCS `envconfig:"PCS" validate:"-"`
	S3  S3  `envconfig:"S3" validate:"-"`
}

// PCS holds the cloud-drive account the relay acts for.
type PCS struct {
	BaseURL   string `envconfig:"BASE_URL" validate:"omitempty,url"`
	UploadURL string `envconfig:"UPLOAD_URL" validate:"omitempty,url"`
	NDUS      Secret `envconfig:"NDUS" validate:"required"`
	JSToken   Secret `envconfig:"JS_TOKEN" validate:"required"`
	AppID     string `envconfig:"APP_ID"`
	BrowserID string `envconfig:"BROWSER_ID"`
}

// S3 ...
type S3 struct {
	Bucket          string        `envconfig:"BUCKET" validate:"required"`
	AccessKeyID     string        `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey Secret        `envconfig:"SECRET_ACCESS_KEY" validate:"required_with=AccessKeyID"`
	Endpoint        string        `envconfig:"ENDPOINT" validate:"omitempty,url"`
	PresignExpiry   time.Duration `envconfig:"PRESIGN_EXPIRY" default:"1h"`
}

// LoadClient reads the client configuration. envFiles are loaded first, missing files are ignored.
func LoadClient(envFiles ...string) (Client, error) {
	var cfg Client
	if err := load(&cfg, envFiles); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration. envFiles are loaded first, missing files are ignored.
func LoadRelay(envFiles ...string) (Relay, error) {
	var cfg Relay
	if err := load(&cfg, envFiles); err != nil {
		return Relay{}, err
	}

	// s3 ETags and the pcs block_list are MD5
	if cfg.Backend != BackendBlob && cfg.Digest != "md5" {
		return Relay{}, fmt.Errorf("invalid config: %s_DIGEST must be md5 for the %s backend, got %s", Prefix, cfg.Backend, cfg.Digest)
	}

	switch cfg.Backend {
	case BackendPCS:
		if err := check(cfg.PCS, Prefix+"_PCS"); err != nil {
			return Relay{}, err
		}
	case BackendS3:
		if cfg.AWSRegion == "" {
			return Relay{}, fmt.Errorf("invalid config: %s_AWS_REGION is required for the s3 backend", Prefix)
		}
		if err := check(cfg.S3, Prefix+"_S3"); err != nil {
			return Relay{}, err
		}
		if cfg.ChunkSize < MinS3PartSize {
			return Relay{}, fmt.Errorf("invalid config: %s_CHUNK_SIZE must be at least %d bytes for the s3 backend, got %d", Prefix, MinS3PartSize, int64(cfg.ChunkSize))
		}
	}
	if cfg.NotifyQueueURL != "" && cfg.AWSRegion == "" {
		return Relay{}, fmt.Errorf("invalid config: %s_AWS_REGION is required for notifications", Prefix)
	}
	return cfg, nil
}

func load(cfg interface{}, envFiles []string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return check(cfg, Prefix)
}

func check(cfg interface{}, prefix string) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	problems := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
	})
	return fmt.Errorf("invalid %s config: %s", prefix, strings.Join(problems, ", "))
}

// Fingerprinter ...
func (c Client) Fingerprinter() (chunk.Fingerprinter, error) {
	return chunk.FingerprinterByName(c.Digest)
}

// ChunkEncoding ...
func (c Client) ChunkEncoding() (chunk.Encoding, error) {
	return chunk.ParseEncoding(c.Encoding)
}

// RetryPolicy returns the chunk retry policy: MaxAttempts attempts with a linear backoff.
func (c Client) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.Backoff = retry.Linear(c.RetryBaseDelay)
	return p
}

// Production reports whether the relay runs in production mode.
func (r Relay) Production() bool {
	return strings.EqualFold(r.Env, "prod") || strings.EqualFold(r.Env, "production")
}

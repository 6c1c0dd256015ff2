package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bitrise-io/go-blobrelay/config"
	"github.com/bitrise-io/go-blobrelay/internal/awsconfig"
	"github.com/bitrise-io/go-blobrelay/notify"
	"github.com/bitrise-io/go-blobrelay/relay"
	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/remote/blobstore"
	"github.com/bitrise-io/go-blobrelay/remote/pcs"
	"github.com/bitrise-io/go-blobrelay/remote/s3store"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
)

// ServeCmd ...
type ServeCmd struct {
	Addr string `help:"Listen address, overrides BLOBRELAY_ADDR."`
}

// Run ...
func (c *ServeCmd) Run(app *Globals) error {
	cfg, err := config.LoadRelay(app.EnvFile...)
	if err != nil {
		return err
	}
	if cfg.Verbose {
		app.logger.EnableDebugLog(true)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}

	ctx := app.Context()
	fingerprinter, err := chunk.FingerprinterByName(cfg.Digest)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, fingerprinter, app.logger)
	if err != nil {
		return err
	}

	opts := []relay.Option{
		relay.WithFingerprinter(fingerprinter),
		relay.WithIntegrityCheck(cfg.VerifyChunks),
		relay.WithChunkSize(int64(cfg.ChunkSize)),
		relay.WithLogger(app.logger),
	}
	if cfg.NotifyQueueURL != "" {
		awsCfg, err := awsconfig.Load(ctx, awsconfig.Params{Region: cfg.AWSRegion}, app.logger)
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithNotifier(notify.NewSQSNotifier(sqs.NewFromConfig(awsCfg), cfg.NotifyQueueURL, app.logger)))
	}

	forwarder, err := relay.NewForwarder(store, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := forwarder.Close(); err != nil {
			app.logger.Warnf("Failed to close store: %s", err)
		}
	}()

	app.logger.Infof("Forwarding to the %s backend (token guard: %t, max chunk: %s)", cfg.Backend, cfg.Token != "", cfg.MaxChunkSize)
	server := relay.NewServer(forwarder, relay.ServerConfig{
		Token:        cfg.Token.Value(),
		CORSOrigins:  cfg.CORSOrigins,
		Tracing:      cfg.Tracing,
		MaxChunkSize: int64(cfg.MaxChunkSize),
	}, app.logger)
	return server.Run(ctx, cfg.Addr)
}

func openStore(ctx context.Context, cfg config.Relay, fingerprinter chunk.Fingerprinter, logger log.Logger) (remote.Store, error) {
	switch cfg.Backend {
	case config.BackendPCS:
		return pcs.New(pcs.Params{
			BaseURL:   cfg.PCS.BaseURL,
			UploadURL: cfg.PCS.UploadURL,
			Credentials: pcs.Credentials{
				NDUS:      cfg.PCS.NDUS.Value(),
				JSToken:   cfg.PCS.JSToken.Value(),
				AppID:     cfg.PCS.AppID,
				BrowserID: cfg.PCS.BrowserID,
			},
		}, logger)
	case config.BackendS3:
		return s3store.Open(ctx, s3store.Params{
			Region:          cfg.AWSRegion,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey.Value(),
			Endpoint:        cfg.S3.Endpoint,
			PresignExpiry:   cfg.S3.PresignExpiry,
		}, logger)
	case config.BackendBlob:
		opts := []blobstore.Option{blobstore.WithFingerprinter(fingerprinter), blobstore.WithLogger(logger)}
		if cfg.PublicBaseURL != "" {
			opts = append(opts, blobstore.WithPublicBaseURL(cfg.PublicBaseURL))
		}
		return blobstore.Open(ctx, cfg.BlobURL, opts...)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

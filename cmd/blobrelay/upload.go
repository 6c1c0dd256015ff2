package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/bitrise-io/go-blobrelay/catalog"
	"github.com/bitrise-io/go-blobrelay/config"
	"github.com/bitrise-io/go-blobrelay/internal/awsconfig"
	"github.com/bitrise-io/go-blobrelay/internal/localfiles"
	"github.com/bitrise-io/go-blobrelay/relay/client"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/session"
	"github.com/bitrise-io/go-blobrelay/transfer/telemetry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"golang.org/x/sync/errgroup"
)

// UploadCmd ...
type UploadCmd struct {
	Patterns []string `arg:"" help:"Files or doublestar glob patterns to upload."`
	Dir      string   `short:"d" default:"/" help:"Remote directory the files are uploaded into."`
	Whole    bool     `help:"Send every file in a single request and let the relay chunk it."`
	Catalog  bool     `help:"Record the uploaded files in the catalog table."`
	Mkdir    bool     `help:"Create the remote directory before uploading."`
}

type uploadResult struct {
	local  string
	remote string
	handle transfer.Handle
	size   int64
	mime   string
	err    error
}

// Run ...
func (c *UploadCmd) Run(app *Globals) error {
	cfg, err := app.clientConfig()
	if err != nil {
		return err
	}
	ctx := app.Context()

	files, err := localfiles.NewResolver(pathutil.NewPathModifier(), pathutil.NewPathChecker(), app.logger).Expand(c.Patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no files to upload")
	}

	relayClient, err := app.relayClient(cfg)
	if err != nil {
		return err
	}
	uploader, err := newUploader(relayClient, cfg, app.logger)
	if err != nil {
		return err
	}

	if c.Mkdir {
		if _, err := relayClient.Mkdir(ctx, c.Dir); err != nil {
			return fmt.Errorf("create %s: %w", c.Dir, err)
		}
	}

	var records *catalog.DynamoStore
	if c.Catalog {
		if records, err = openCatalog(ctx, cfg, app.logger); err != nil {
			return err
		}
	}

	app.logger.Infof("Uploading %d file(s) into %s", len(files), c.Dir)

	results := make([]uploadResult, len(files))
	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i, file := range files {
		g.Go(func() error {
			results[i] = c.uploadOne(ctx, relayClient, uploader, file, app.logger)
			if results[i].err == nil && records != nil {
				results[i].err = record(ctx, records, results[i])
			}
			return results[i].err
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.err != nil {
			app.logger.Errorf("%s: %s", r.local, r.err)
			errs = append(errs, r.err)
			continue
		}
		app.logger.Donef("%s -> %s (%s)", r.local, r.remote, r.handle)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d upload(s) failed: %w", len(errs), len(files), errors.Join(errs...))
	}
	return nil
}

func (c *UploadCmd) uploadOne(ctx context.Context, relayClient *client.Client, uploader *session.Client, file string, logger log.Logger) uploadResult {
	result := uploadResult{local: file, remote: localfiles.DestinationPath(c.Dir, file)}

	payload, closer, err := localfiles.Open(file)
	if err != nil {
		result.err = err
		return result
	}
	result.size, result.mime = payload.Size(), payload.ContentType
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", file, err)
		}
	}()

	if c.Whole {
		result.handle, result.err = relayClient.UploadFile(ctx, payload, result.remote)
		return result
	}

	name := filepath.Base(file)
	var mu sync.Mutex
	result.handle, result.err = uploader.Upload(ctx, payload, result.remote, func(s telemetry.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		logger.Infof("%s %s", name, s)
	})
	return result
}

func newUploader(relay transfer.Relay, cfg config.Client, logger log.Logger) (*session.Client, error) {
	fingerprinter, err := cfg.Fingerprinter()
	if err != nil {
		return nil, err
	}
	return session.New(relay,
		session.WithChunkSize(int64(cfg.ChunkSize)),
		session.WithFingerprinter(fingerprinter),
		session.WithRetryPolicy(cfg.RetryPolicy()),
		session.WithChunkTimeout(cfg.ChunkTimeout),
		session.WithFinalizeTimeout(cfg.FinalizeTimeout),
		session.WithObserver(func(t session.Transition) {
			logger.Debugf("Session state: %s", t)
		}),
		session.WithLogger(logger),
	)
}

func openCatalog(ctx context.Context, cfg config.Client, logger log.Logger) (*catalog.DynamoStore, error) {
	if cfg.CatalogTable == "" {
		return nil, fmt.Errorf("%s_CATALOG_TABLE is required for --catalog", config.Prefix)
	}
	awsCfg, err := awsconfig.Load(ctx, awsconfig.Params{Region: cfg.AWSRegion}, logger)
	if err != nil {
		return nil, err
	}
	return catalog.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.CatalogTable, logger), nil
}

func record(ctx context.Context, records *catalog.DynamoStore, r uploadResult) error {
	_, err := records.Insert(ctx, catalog.Record{
		Title:       catalog.TitleFromPath(r.local),
		Path:        r.remote,
		Handle:      r.handle,
		Size:        r.size,
		ContentType: r.mime,
	})
	if err != nil {
		return fmt.Errorf("uploaded as %s but failed to record it: %w", r.handle, err)
	}
	return nil
}

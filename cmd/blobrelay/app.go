package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-blobrelay/config"
	"github.com/bitrise-io/go-blobrelay/relay/client"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Globals are the flags shared by every command.
type Globals struct {
	EnvFile []string `name:"env-file" help:"Load environment variables from these files (default .env)."`
	Verbose bool     `short:"v" help:"Enable debug logs."`

	ctx    context.Context
	cancel context.CancelFunc
	logger log.Logger
}

// NewApp returns the globals with a context cancelled on SIGINT or SIGTERM.
func NewApp(app Globals) *Globals {
	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.logger = log.NewLogger()
	app.logger.EnableDebugLog(app.Verbose)
	return &app
}

// Close ...
func (app *Globals) Close() {
	app.cancel()
}

// Context ...
func (app *Globals) Context() context.Context {
	return app.ctx
}

func (app *Globals) clientConfig() (config.Client, error) {
	cfg, err := config.LoadClient(app.EnvFile...)
	if err != nil {
		return config.Client{}, err
	}
	if cfg.Verbose {
		app.logger.EnableDebugLog(true)
	}
	return cfg, nil
}

func (app *Globals) relayClient(cfg config.Client) (*client.Client, error) {
	encoding, err := cfg.ChunkEncoding()
	if err != nil {
		return nil, err
	}
	return client.New(client.Params{
		BaseURL:       cfg.RelayURL,
		Token:         cfg.Token.Value(),
		Encoding:      encoding,
		ResolvePolicy: cfg.RetryPolicy(),
	}, app.logger)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
)

// LsCmd ...
type LsCmd struct {
	Dir string `arg:"" optional:"" default:"/" help:"Remote directory to list."`
}

// Run ...
func (c *LsCmd) Run(app *Globals) error {
	cfg, err := app.clientConfig()
	if err != nil {
		return err
	}
	relayClient, err := app.relayClient(cfg)
	if err != nil {
		return err
	}

	entries, err := relayClient.List(app.Context(), c.Dir)
	if err != nil {
		return err
	}
	renderEntries(os.Stdout, entries)
	return nil
}

func renderEntries(w io.Writer, entries []transfer.Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Path", "Size", "Modified", "Handle"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, e := range entries {
		size := units.HumanSize(float64(e.Size))
		if e.IsDir {
			size = "-"
		}
		modified := "-"
		if !e.ModTime.IsZero() {
			modified = e.ModTime.Local().Format("2006-01-02 15:04")
		}
		table.Append([]string{e.Path, size, modified, e.Handle.String()})
	}
	table.SetFooter([]string{"", "", "", strconv.Itoa(len(entries)) + " entries"})
	table.Render()
}

// FetchCmd ...
type FetchCmd struct {
	Handle string `arg:"" help:"Handle of the remote object."`
	Dest   string `arg:"" type:"path" help:"Local file to write."`
}

// Run ...
func (c *FetchCmd) Run(app *Globals) error {
	cfg, err := app.clientConfig()
	if err != nil {
		return err
	}
	relayClient, err := app.relayClient(cfg)
	if err != nil {
		return err
	}

	if err := relayClient.Fetch(app.Context(), transfer.Handle(c.Handle), c.Dest); err != nil {
		return err
	}
	app.logger.Donef("Downloaded %s to %s", c.Handle, c.Dest)
	return nil
}

// RmCmd ...
type RmCmd struct {
	Handles []string `arg:"" help:"Handles of the remote objects."`
	Record  string   `help:"Also delete this catalog record."`
}

// Run deletes every handle, continuing past failures.
func (c *RmCmd) Run(app *Globals) error {
	cfg, err := app.clientConfig()
	if err != nil {
		return err
	}
	relayClient, err := app.relayClient(cfg)
	if err != nil {
		return err
	}
	ctx := app.Context()

	var errs []error
	for _, h := range c.Handles {
		if err := relayClient.Delete(ctx, transfer.Handle(h)); err != nil {
			app.logger.Warnf("Failed to delete %s: %s", h, err)
			errs = append(errs, err)
			continue
		}
		app.logger.Donef("Deleted %s", h)
	}

	if c.Record != "" {
		records, err := openCatalog(ctx, cfg, app.logger)
		if err != nil {
			return err
		}
		if err := records.Delete(ctx, c.Record); err != nil {
			errs = append(errs, fmt.Errorf("catalog record %s: %w", c.Record, err))
		}
	}

	return errors.Join(errs...)
}

// MkdirCmd ...
type MkdirCmd struct {
	Dir string `arg:"" help:"Remote directory to create."`
}

// Run ...
func (c *MkdirCmd) Run(app *Globals) error {
	cfg, err := app.clientConfig()
	if err != nil {
		return err
	}
	relayClient, err := app.relayClient(cfg)
	if err != nil {
		return err
	}

	handle, err := relayClient.Mkdir(app.Context(), c.Dir)
	if err != nil {
		return err
	}
	if handle == "" {
		app.logger.Donef("%s will be created with its first object", c.Dir)
		return nil
	}
	app.logger.Donef("Created %s (%s)", c.Dir, handle)
	return nil
}

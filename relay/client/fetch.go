package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/melbahja/got"
)

// Fetch resolves handle and downloads the object to dest.
func (c *Client) Fetch(ctx context.Context, handle transfer.Handle, dest string) error {
	fetchURL, err := c.ResolveHandle(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", handle, err)
	}

	c.logger.Debugf("Downloading %s to %s", handle, dest)
	if err := downloadFile(ctx, c.downloadClient.StandardClient(), fetchURL, dest); err != nil {
		return fmt.Errorf("failed to download %s: %w", handle, err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

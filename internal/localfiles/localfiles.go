// Package localfiles resolves the local files an upload command was given.
package localfiles

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

// sniffLen is the number of leading bytes inspected for content type detection.
const sniffLen = 3072

// Resolver expands path patterns into regular files.
type Resolver struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewResolver ...
func NewResolver(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) Resolver {
	return Resolver{
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// Expand resolves patterns (doublestar globs or plain paths, ~ and env vars allowed) into
// absolute paths of existing regular files. Patterns without matches are skipped with a warning.
func (r Resolver) Expand(patterns []string) ([]string, error) {
	var expanded []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[{") {
			expanded = append(expanded, p)
			continue
		}

		base, pattern := doublestar.SplitPattern(p)
		absBase, err := r.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		if len(matches) == 0 {
			r.logger.Warnf("No match for path pattern: %s", p)
			continue
		}

		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	var files []string
	for _, p := range expanded {
		absPath, err := r.pathModifier.AbsPath(p)
		if err != nil {
			r.logger.Warnf("Failed to parse path %s, error: %s", p, err)
			continue
		}

		exists, err := r.pathChecker.IsPathExists(absPath)
		if err != nil {
			r.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			r.logger.Warnf("File doesn't exist: %s", p)
			continue
		}
		if isDir, err := r.pathChecker.IsDirExists(absPath); err == nil && isDir {
			r.logger.Warnf("Skipping directory: %s", p)
			continue
		}

		files = append(files, absPath)
	}

	return lo.Uniq(files), nil
}

// Open opens the file at p as a payload and detects its content type from its leading bytes.
// The caller closes the returned io.Closer.
func Open(p string) (transfer.Payload, io.Closer, error) {
	payload, closer, err := transfer.OpenFilePayload(p)
	if err != nil {
		return transfer.Payload{}, nil, err
	}

	mime, err := mimetype.DetectReader(io.NewSectionReader(payload, 0, min(payload.Size(), sniffLen)))
	if err != nil {
		_ = closer.Close()
		return transfer.Payload{}, nil, fmt.Errorf("detect content type of %s: %w", p, err)
	}
	payload.ContentType = mime.String()

	return payload, closer, nil
}

// DestinationPath is the remote path of localPath uploaded into dir.
func DestinationPath(dir, localPath string) string {
	return path.Join("/", filepath.ToSlash(dir), filepath.Base(localPath))
}

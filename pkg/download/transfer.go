/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/rs/zerolog/log"
)

const copyBufferSize = 1 << 20

// run is the producer side of one coalesced download. It owns the upstream
// connection, the temp file and the pending entry; subscribers only ever see
// frames. The pending entry is removed before the closing frames go out, so
// a request racing the finish re-reads a catalog that already knows the
// artifact.
func (e *Engine) run(ctx context.Context, p *pendingDownload, req Request, urls []string, dest, hash string, repair bool) {
	defer e.broker.Scrub(req.RequestID)
	defer p.cancel()

	src, ferr := e.fetcher.open(ctx, urls, req.RequestID)
	if ferr != nil {
		e.removePending(p.key)
		p.announceHeaders(ferr)
		p.finish(func(string) []Event { return []Event{errorEvent(ferr)} })
		e.notify(Lifecycle{Type: LifecycleFailed, Path: dest, Error: ferr.Error()})

		return
	}
	defer func() { _ = src.Close() }()

	p.announceHeaders(nil)

	total := src.total
	if total <= 0 {
		total = req.Size
	}
	sourceURL := admission.Sanitize(src.rawURL)

	p.publish(messageEvent(fmt.Sprintf("Downloading %s", req.displayName()), 0, total))
	e.notify(Lifecycle{Type: LifecycleQueued, URL: sourceURL, Path: dest, TotalBytes: total})

	actual, written, dlErr := e.transfer(ctx, p, src, req, hash, total)
	if dlErr == nil {
		dlErr = e.publishArtifact(ctx, req, actual, dest, written, sourceURL, repair)
	}

	e.removePending(p.key)

	if dlErr != nil {
		log.Error().Err(dlErr).Str("destination", dest).Str("url", sourceURL).Msg("Download failed")
		p.finish(func(string) []Event { return []Event{errorEvent(dlErr)} })
		e.notify(Lifecycle{Type: LifecycleFailed, URL: sourceURL, Path: dest, Bytes: written, Error: dlErr.Error()})

		return
	}

	log.Info().
		Str("destination", dest).
		Str("sha256", actual).
		Int64("size_bytes", written).
		Str("url", sourceURL).
		Msg("Download complete")

	e.notify(Lifecycle{Type: LifecycleComplete, URL: sourceURL, Path: dest, SHA256: actual, Bytes: written, TotalBytes: total})

	// Subscribers that asked for a different filename get their alias
	// materialized now, in front of the shared terminal frame.
	materialized := map[string][]Event{}
	p.finish(func(subDest string) []Event {
		if subDest == dest {
			return []Event{terminalEvent(msgComplete, dest, actual)}
		}
		if frames, ok := materialized[subDest]; ok {
			return frames
		}

		var frames []Event
		strategy, aliasErr := e.aliaser.Materialize(ctx, actual, dest, subDest)
		if aliasErr != nil {
			frames = []Event{errorEvent(classify(aliasErr))}
		} else {
			e.notify(Lifecycle{Type: LifecycleAlias, Path: subDest, SHA256: actual, Strategy: string(strategy)})
			frames = []Event{
				messageEvent(fmt.Sprintf("Creating alias %s", filepath.Base(subDest)), written, total),
				terminalEvent(msgComplete, subDest, actual),
			}
		}
		materialized[subDest] = frames

		return frames
	})
}

// transfer streams the source into a temp file, hashing as it writes,
// verifies size and hash, and moves the result onto the destination. On any
// failure the temp file is removed.
func (e *Engine) transfer(ctx context.Context, p *pendingDownload, src *source, req Request, hash string, total int64) (string, int64, *Error) {
	tempDir := e.policy.TempDir()
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", 0, classify(fmt.Errorf("create temp directory: %w", err))
	}

	tempPath := filepath.Join(tempDir, uuid.NewString()+".part")

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, classify(fmt.Errorf("create temp file: %w", err))
	}

	cleanup := func() {
		_ = f.Close()
		if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error().Err(rmErr).Str("path", tempPath).Msg("Unable to remove temp file")
		}
	}

	hasher := sha256.New()
	reader := newProgressReader(src, total, func(bytes int64) {
		p.publish(progressEvent(bytes, total))
		e.notify(Lifecycle{Type: LifecycleProgress, Path: p.dest, Bytes: bytes, TotalBytes: total})
	})

	written, err := io.CopyBuffer(io.MultiWriter(f, hasher), reader, make([]byte, copyBufferSize))
	if err != nil {
		cleanup()

		if src.timedOut.Load() {
			return "", written, newErrorf(KindNetworkTimeout, "no data received for %s", e.fetcher.idleTimeout)
		}
		if ctx.Err() != nil {
			return "", written, newError(KindCanceled, ctx.Err())
		}

		return "", written, classify(fmt.Errorf("stream download: %w", err))
	}

	if req.Size > 0 && written != req.Size {
		cleanup()
		return "", written, newErrorf(KindSizeMismatch, "downloaded %d bytes, expected %d", written, req.Size)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if hash != "" && actual != hash {
		cleanup()
		return "", written, newErrorf(KindHashMismatch, "downloaded content hashes to %s, expected %s", actual, hash)
	}

	if err = f.Sync(); err != nil {
		cleanup()
		return "", written, classify(fmt.Errorf("sync temp file: %w", err))
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", written, classify(fmt.Errorf("close temp file: %w", err))
	}

	if err = moveIntoPlace(tempPath, p.dest); err != nil {
		_ = os.Remove(tempPath)
		return "", written, classify(err)
	}

	return actual, written, nil
}

// publishArtifact records the finished file in the catalog. The row is
// visible before any subscriber sees the terminal frame.
func (e *Engine) publishArtifact(ctx context.Context, req Request, hash, dest string, size int64, sourceURL string, repair bool) *Error {
	if repair {
		err := e.catalog.ReplaceArtifactPath(ctx, hash, dest, size)
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return newErrorf(KindCatalogUnavailable, "repoint artifact: %v", err)
		}
		// Row disappeared since the pre-check; register from scratch.
	}

	art, err := e.catalog.ArtifactByHash(ctx, hash)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		metadata := catalog.Metadata{"filename": req.Filename, "folder": req.Folder}
		if req.DisplayName != "" {
			metadata["display_name"] = req.DisplayName
		}

		if _, err = e.catalog.AddArtifact(ctx, catalog.Artifact{
			SHA256:    hash,
			Path:      dest,
			SizeBytes: size,
			SourceURL: sourceURL,
			Metadata:  metadata,
		}); err != nil {
			return newErrorf(KindCatalogUnavailable, "register artifact: %v", err)
		}

	case err != nil:
		return newErrorf(KindCatalogUnavailable, "look up artifact: %v", err)

	case art.Path != dest:
		// Another path already holds these bytes; the fresh file at dest is
		// a full copy of them, record it as an alias.
		if _, err = e.catalog.AddAlias(ctx, hash, dest); err != nil {
			return classify(err)
		}
	}

	return nil
}

// moveIntoPlace renames the temp file onto the destination. When the temp
// directory sits on a different filesystem the rename fails with EXDEV; the
// file is then copied next to the destination first so the final rename is
// atomic again.
func moveIntoPlace(tempPath, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	err := os.Rename(tempPath, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move file into place: %w", err)
	}

	adjacent := dest + ".part"
	if err = copyFile(tempPath, adjacent); err != nil {
		_ = os.Remove(adjacent)
		return fmt.Errorf("stage file next to destination: %w", err)
	}
	if err = os.Rename(adjacent, dest); err != nil {
		_ = os.Remove(adjacent)
		return fmt.Errorf("move staged file into place: %w", err)
	}

	return os.Remove(tempPath)
}

func copyFile(srcPath, destPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}

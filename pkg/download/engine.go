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

// Package download fetches model files into the registry. One fetch per
// content hash, however many clients ask for it: concurrent requests for the
// same artifact coalesce onto a single transfer and share its progress
// stream. Finished files are verified against their expected SHA-256, moved
// into place atomically and recorded in the catalog before the terminal
// frame is delivered.
package download

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/aliaser"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/credentials"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/rs/zerolog/log"
)

// DefaultIdleTimeout aborts a transfer when the source stops sending.
const DefaultIdleTimeout = 60 * time.Second

// Request describes one download.
type Request struct {
	// Folder and Filename locate the destination through the path policy.
	Folder   string
	Filename string

	// URLs are candidate sources, tried in order.
	URLs []string

	// SHA256 is the expected content hash, when the caller knows it.
	SHA256 string

	// Size is the expected byte count, zero when unknown.
	Size int64

	// DisplayName appears in progress messages instead of the filename.
	DisplayName string

	// RequestID keys any credentials held by the broker for this download.
	RequestID string
}

// Engine coordinates downloads against the catalog, the filesystem and the
// pending-transfer table.
type Engine struct {
	policy  *modelpath.Policy
	urls    *admission.URLPolicy
	catalog *catalog.Store
	aliaser *aliaser.Aliaser
	broker  *credentials.Broker
	fetcher *fetcher
	sink    Sink

	mu      sync.Mutex
	pending map[string]*pendingDownload
}

// Config groups the collaborators of an Engine.
type Config struct {
	Policy    *modelpath.Policy
	URLPolicy *admission.URLPolicy
	Catalog   *catalog.Store
	Aliaser   *aliaser.Aliaser
	Broker    *credentials.Broker

	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Sink receives lifecycle events. Optional.
	Sink Sink
}

// NewEngine returns a download Engine.
func NewEngine(cfg Config) *Engine {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	return &Engine{
		policy:  cfg.Policy,
		urls:    cfg.URLPolicy,
		catalog: cfg.Catalog,
		aliaser: cfg.Aliaser,
		broker:  cfg.Broker,
		fetcher: newFetcher(cfg.URLPolicy, cfg.Broker, idle),
		sink:    cfg.Sink,
		pending: make(map[string]*pendingDownload),
	}
}

// Download resolves, admits and either short-circuits or starts (or joins)
// the transfer for the requested artifact. Failures before the first frame
// are returned as a typed *Error so the HTTP layer can answer with a status
// code; once a Stream is returned, failures arrive as terminal error frames.
func (e *Engine) Download(ctx context.Context, req Request) (*Stream, error) {
	dest, err := e.policy.Resolve(req.Folder, req.Filename)
	if err != nil {
		return nil, classify(err)
	}

	urls, admitErr := e.admissible(req.URLs)
	if admitErr != nil {
		return nil, admitErr
	}

	var hash string
	if req.SHA256 != "" {
		hash, err = catalog.NormalizeHash(req.SHA256)
		if err != nil {
			return nil, newError(KindInvalidName, err)
		}
	}

	// A known hash whose canonical file is intact never touches the network.
	repair := false
	if hash != "" {
		stream, dlErr := e.shortCircuitByHash(ctx, hash, dest, &repair)
		if dlErr != nil {
			return nil, dlErr
		}
		if stream != nil {
			return stream, nil
		}
	}

	// A file already sitting at the destination is adopted, not re-fetched.
	if !repair {
		stream, dlErr := e.shortCircuitByPath(ctx, req, hash, dest)
		if dlErr != nil {
			return nil, dlErr
		}
		if stream != nil {
			return stream, nil
		}
	}

	return e.startOrJoin(ctx, req, urls, dest, hash, repair)
}

// admissible filters the candidate URLs through the admission policy,
// preserving order. All-rejected fails with the first rejection.
func (e *Engine) admissible(raws []string) ([]string, *Error) {
	if len(raws) == 0 {
		return nil, newErrorf(KindInvalidName, "no download url provided")
	}

	var admitted []string
	var firstErr error
	for _, raw := range raws {
		if _, err := e.urls.Admit(raw); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		admitted = append(admitted, raw)
	}

	if len(admitted) == 0 {
		return nil, newError(KindURLForbidden, firstErr)
	}

	return admitted, nil
}

// shortCircuitByHash serves a request whose expected hash is already in the
// catalog. A nil stream with nil error means no short-circuit applies; a lost
// canonical file additionally flags the transfer as a repair.
func (e *Engine) shortCircuitByHash(ctx context.Context, hash, dest string, repair *bool) (*Stream, error) {
	art, err := e.catalog.ArtifactByHash(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newErrorf(KindCatalogUnavailable, "look up artifact: %v", err)
	}

	info, statErr := os.Stat(art.Path)
	if statErr != nil || info.Size() != art.SizeBytes {
		log.Warn().
			Str("sha256", hash).
			Str("path", art.Path).
			Msg("Canonical file is missing or corrupted, fetching again")
		*repair = true

		return nil, nil
	}

	if dest == art.Path {
		return newDoneStream(terminalEvent(msgAlreadyExists, dest, hash)), nil
	}

	strategy, aliasErr := e.aliaser.Materialize(ctx, hash, art.Path, dest)
	if aliasErr != nil {
		return nil, classify(aliasErr)
	}

	e.notify(Lifecycle{
		Type:     LifecycleAlias,
		Path:     dest,
		SHA256:   hash,
		Strategy: string(strategy),
	})

	return newDoneStream(terminalEvent(msgAliasCreated, dest, hash)), nil
}

// shortCircuitByPath adopts a file already present at the destination. The
// content is hashed; when it matches the expectation (or none was given) the
// catalog learns about the file and no fetch happens. A mismatching file is
// left alone: the transfer will replace it atomically.
func (e *Engine) shortCircuitByPath(ctx context.Context, req Request, hash, dest string) (*Stream, error) {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() {
		return nil, nil
	}

	actual, size, err := catalog.HashFile(ctx, dest)
	if err != nil {
		log.Warn().Err(err).Str("path", dest).Msg("Unable to hash existing destination file")
		return nil, nil
	}

	if hash != "" && actual != hash {
		log.Warn().
			Str("path", dest).
			Str("sha256", actual).
			Str("expected_sha256", hash).
			Msg("Destination file does not match the expected hash, replacing")

		return nil, nil
	}

	if err = e.adopt(ctx, req, actual, dest, size); err != nil {
		return nil, err
	}

	return newDoneStream(terminalEvent(msgAlreadyExists, dest, actual)), nil
}

// adopt records an on-disk file in the catalog, as the canonical file for a
// new hash or as an alias of a known one.
func (e *Engine) adopt(ctx context.Context, req Request, hash, dest string, size int64) error {
	art, err := e.catalog.ArtifactByHash(ctx, hash)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		_, err = e.catalog.AddArtifact(ctx, catalog.Artifact{
			SHA256:    hash,
			Path:      dest,
			SizeBytes: size,
			SourceURL: sanitizedSource(req.URLs),
			Metadata:  catalog.Metadata{"filename": req.Filename, "folder": req.Folder},
		})
		if err != nil {
			return newErrorf(KindCatalogUnavailable, "register artifact: %v", err)
		}

	case err != nil:
		return newErrorf(KindCatalogUnavailable, "look up artifact: %v", err)

	case art.Path != dest:
		if _, err = e.catalog.AddAlias(ctx, hash, dest); err != nil {
			return classify(err)
		}
	}

	return nil
}

// startOrJoin attaches the caller to an in-flight transfer for the same
// content, or starts a new one. The call blocks until the upstream response
// is established so that handshake failures surface as typed errors instead
// of stream frames.
func (e *Engine) startOrJoin(ctx context.Context, req Request, urls []string, dest, hash string, repair bool) (*Stream, error) {
	key := "dest:" + dest
	if hash != "" {
		key = "sha256:" + hash
	}

	e.mu.Lock()
	if p, ok := e.pending[key]; ok {
		sub, live := p.subscribe(dest)
		e.mu.Unlock()

		if !live {
			// Finished between lookup and subscribe; the catalog knows the
			// artifact now, so a fresh pass short-circuits.
			return e.Download(ctx, req)
		}

		// The in-flight transfer authenticated already; this caller's
		// credentials are not needed.
		e.broker.Scrub(req.RequestID)

		if err := p.awaitHeaders(ctx); err != nil {
			p.unsubscribe(sub.id)
			return nil, err
		}

		log.Debug().Str("key", key).Str("destination", dest).Msg("Joined in-flight download")

		return &Stream{events: sub.ch, cancel: func() { p.unsubscribe(sub.id) }}, nil
	}

	// The transfer context is detached from the caller: the fetch stops when
	// the last subscriber leaves, not when the first one does.
	fetchCtx, cancel := context.WithCancel(context.Background())
	p := newPendingDownload(key, dest, hash, cancel)
	sub, _ := p.subscribe(dest)
	e.pending[key] = p
	e.mu.Unlock()

	go e.run(fetchCtx, p, req, urls, dest, hash, repair)

	if err := p.awaitHeaders(ctx); err != nil {
		p.unsubscribe(sub.id)
		return nil, err
	}

	return &Stream{events: sub.ch, cancel: func() { p.unsubscribe(sub.id) }}, nil
}

func (e *Engine) removePending(key string) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

func (e *Engine) notify(ev Lifecycle) {
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}

func sanitizedSource(urls []string) string {
	if len(urls) == 0 {
		return ""
	}

	return admission.Sanitize(urls[0])
}

// displayName is what progress messages call the artifact.
func (req Request) displayName() string {
	if req.DisplayName != "" {
		return req.DisplayName
	}

	return req.Filename
}

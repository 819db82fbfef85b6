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

// Package api exposes the registry over HTTP: dependency checks, streaming
// downloads, catalog listings and the WebSocket event feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/credentials"
	"github.com/loomworks/model-registry/pkg/download"
	"github.com/loomworks/model-registry/pkg/resolver"
	"github.com/rs/zerolog/log"
)

// Handler serves the registry API.
type Handler struct {
	router chi.Router

	resolver *resolver.Resolver
	engine   *download.Engine
	catalog  *catalog.Store
	broker   *credentials.Broker
	events   http.Handler
}

// Config groups the collaborators of the Handler.
type Config struct {
	Resolver *resolver.Resolver
	Engine   *download.Engine
	Catalog  *catalog.Store
	Broker   *credentials.Broker

	// Events handles WebSocket upgrades for the event feed. Optional.
	Events http.Handler
}

// NewHandler builds the registry API handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		router:   chi.NewRouter(),
		resolver: cfg.Resolver,
		engine:   cfg.Engine,
		catalog:  cfg.Catalog,
		broker:   cfg.Broker,
		events:   cfg.Events,
	}

	h.router.Get("/livez", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	h.router.Post("/models/check-dependencies", h.handleCheckDependencies)
	h.router.Post("/models/download", h.handleDownload)
	h.router.Get("/models/registry", h.handleListRegistry)
	h.router.Get("/models/stats", h.handleStats)
	h.router.Delete("/models/registry/{sha256}", h.handleRemoveArtifact)

	if h.events != nil {
		h.router.Get("/models/events", h.events.ServeHTTP)
	}

	return h
}

// ServeHTTP serves HTTP requests.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(rw, req)
}

type checkDependenciesReq struct {
	Dependencies resolver.Manifest `json:"dependencies"`
}

func (h *Handler) handleCheckDependencies(rw http.ResponseWriter, req *http.Request) {
	var body checkDependenciesReq
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, download.KindInvalidName, "invalid request body")
		return
	}

	result, err := h.resolver.Resolve(req.Context(), body.Dependencies)
	if err != nil {
		log.Error().Err(err).Msg("Unable to resolve dependencies")
		writeError(rw, http.StatusInternalServerError, download.KindCatalogUnavailable, "catalog unavailable")

		return
	}

	writeJSON(rw, http.StatusOK, result)
}

type downloadReq struct {
	URL              string `json:"url"`
	Folder           string `json:"folder"`
	Filename         string `json:"filename"`
	SHA256           string `json:"sha256,omitempty"`
	Size             int64  `json:"size,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	HuggingFaceToken string `json:"huggingface_token,omitempty"`
	CivitaiAPIKey    string `json:"civitai_api_key,omitempty"`
}

func (h *Handler) handleDownload(rw http.ResponseWriter, req *http.Request) {
	var body downloadReq
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, download.KindInvalidName, "invalid request body")
		return
	}

	requestID := uuid.NewString()
	defer h.broker.Scrub(requestID)

	if body.HuggingFaceToken != "" {
		if err := h.broker.Put(requestID, credentials.ProviderHuggingFace, body.HuggingFaceToken); err != nil {
			writeError(rw, http.StatusBadRequest, download.KindInvalidName, "invalid credentials")
			return
		}
	}
	if body.CivitaiAPIKey != "" {
		if err := h.broker.Put(requestID, credentials.ProviderCivitai, body.CivitaiAPIKey); err != nil {
			writeError(rw, http.StatusBadRequest, download.KindInvalidName, "invalid credentials")
			return
		}
	}

	log.Info().
		Str("folder", body.Folder).
		Str("filename", body.Filename).
		Bool("has_token", body.HuggingFaceToken != "" || body.CivitaiAPIKey != "").
		Msg("Download requested")

	stream, err := h.engine.Download(req.Context(), download.Request{
		Folder:      body.Folder,
		Filename:    body.Filename,
		URLs:        []string{body.URL},
		SHA256:      body.SHA256,
		Size:        body.Size,
		DisplayName: body.DisplayName,
		RequestID:   requestID,
	})
	if err != nil {
		status, kind := downloadStatus(err)
		writeError(rw, status, kind, err.Error())

		return
	}
	defer stream.Cancel()

	rw.Header().Set("Content-Type", "application/x-ndjson")
	rw.WriteHeader(http.StatusOK)

	flusher, _ := rw.(http.Flusher)
	encoder := json.NewEncoder(rw)

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}

			if encodeErr := encoder.Encode(ev); encodeErr != nil {
				// Client went away; detach so the transfer can stop if we
				// were its last subscriber.
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

		case <-req.Context().Done():
			return
		}
	}
}

type registryEntry struct {
	catalog.Artifact
	Aliases []catalog.Alias `json:"aliases,omitempty"`
}

func (h *Handler) handleListRegistry(rw http.ResponseWriter, req *http.Request) {
	artifacts, err := h.catalog.ListArtifacts(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Unable to list artifacts")
		writeError(rw, http.StatusInternalServerError, download.KindCatalogUnavailable, "catalog unavailable")

		return
	}

	entries := make([]registryEntry, 0, len(artifacts))
	for _, art := range artifacts {
		aliases, aliasErr := h.catalog.AliasesFor(req.Context(), art.SHA256)
		if aliasErr != nil {
			log.Error().Err(aliasErr).Str("sha256", art.SHA256).Msg("Unable to list aliases")
			writeError(rw, http.StatusInternalServerError, download.KindCatalogUnavailable, "catalog unavailable")

			return
		}

		entries = append(entries, registryEntry{Artifact: art, Aliases: aliases})
	}

	writeJSON(rw, http.StatusOK, map[string]interface{}{"models": entries})
}

func (h *Handler) handleStats(rw http.ResponseWriter, req *http.Request) {
	stats, err := h.catalog.Stats(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Unable to read catalog stats")
		writeError(rw, http.StatusInternalServerError, download.KindCatalogUnavailable, "catalog unavailable")

		return
	}

	writeJSON(rw, http.StatusOK, stats)
}

func (h *Handler) handleRemoveArtifact(rw http.ResponseWriter, req *http.Request) {
	hash := chi.URLParam(req, "sha256")

	err := h.catalog.RemoveArtifact(req.Context(), hash)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(rw, http.StatusNotFound, download.KindInvalidName, fmt.Sprintf("no artifact with hash %q", hash))
	case err != nil:
		log.Error().Err(err).Str("sha256", hash).Msg("Unable to remove artifact")
		writeError(rw, http.StatusInternalServerError, download.KindCatalogUnavailable, "catalog unavailable")
	default:
		writeJSON(rw, http.StatusOK, map[string]string{"removed": hash})
	}
}

// downloadStatus maps a pre-stream download failure to an HTTP status.
func downloadStatus(err error) (int, download.Kind) {
	kind := download.KindOf(err)

	switch kind {
	case download.KindInvalidName:
		return http.StatusBadRequest, kind
	case download.KindURLForbidden:
		return http.StatusBadRequest, kind
	case download.KindAliasCollision:
		return http.StatusConflict, kind
	case download.KindCatalogUnavailable:
		return http.StatusInternalServerError, kind
	case download.KindUnauthorized:
		var dlErr *download.Error
		if errors.As(err, &dlErr) && dlErr.Status == http.StatusForbidden {
			return http.StatusForbidden, kind
		}

		return http.StatusUnauthorized, kind
	case download.KindUpstream, download.KindNetworkTimeout:
		return http.StatusBadGateway, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(rw http.ResponseWriter, status int, kind download.Kind, msg string) {
	writeJSON(rw, status, errorResp{Error: string(kind), Message: msg})
}

func writeJSON(rw http.ResponseWriter, status int, payload interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Unable to write response")
	}
}

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

// Package credentials holds per-request source tokens for the lifetime of a
// download and not a second longer. Tokens live in memguard enclaves, are
// attached to outbound requests in the form each provider expects, and are
// destroyed when the download finishes or the TTL expires. Nothing in this
// package logs, persists or returns a token value.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
)

// Provider identifies a model source requiring authentication.
type Provider string

// Providers the broker knows how to authenticate against.
const (
	ProviderHuggingFace Provider = "huggingface"
	ProviderCivitai     Provider = "civitai"
)

// DefaultTTL caps how long a credential may be used, however long the
// download takes.
const DefaultTTL = time.Hour

const sweepInterval = time.Minute

type key struct {
	requestID string
	provider  Provider
}

type entry struct {
	enclave *memguard.Enclave
	expires time.Time
}

// Broker keeps ephemeral download credentials in memory.
type Broker struct {
	mu      sync.Mutex
	entries map[key]entry
	ttl     time.Duration
}

// NewBroker returns a Broker expiring credentials after ttl, or DefaultTTL
// when ttl is zero.
func NewBroker(ttl time.Duration) *Broker {
	if ttl <= 0 || ttl > DefaultTTL {
		ttl = DefaultTTL
	}

	return &Broker{
		entries: make(map[key]entry),
		ttl:     ttl,
	}
}

// Put stores a token for the given request and provider, replacing any
// previous one.
func (b *Broker) Put(requestID string, provider Provider, token string) error {
	if provider != ProviderHuggingFace && provider != ProviderCivitai {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if requestID == "" || token == "" {
		return fmt.Errorf("request id and token are required")
	}

	enclave := memguard.NewEnclave([]byte(token))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key{requestID: requestID, provider: provider}] = entry{
		enclave: enclave,
		expires: time.Now().Add(b.ttl),
	}

	return nil
}

// Has reports whether a live credential exists. Safe to log.
func (b *Broker) Has(requestID string, provider Provider) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key{requestID: requestID, provider: provider}]

	return ok && time.Now().Before(e.expires)
}

// Attach injects the credential matching the request host, if one is held
// for this request ID. Hugging Face gets a bearer header, Civitai a token
// query parameter. Requests to hosts without a matching credential pass
// through untouched.
func (b *Broker) Attach(req *http.Request, requestID string) error {
	provider, ok := ProviderForHost(req.URL.Hostname())
	if !ok {
		return nil
	}

	b.mu.Lock()
	e, ok := b.entries[key{requestID: requestID, provider: provider}]
	b.mu.Unlock()

	if !ok || time.Now().After(e.expires) {
		return nil
	}

	buf, err := e.enclave.Open()
	if err != nil {
		return fmt.Errorf("open credential: %w", err)
	}
	defer buf.Destroy()

	switch provider {
	case ProviderHuggingFace:
		req.Header.Set("Authorization", "Bearer "+string(buf.Bytes()))
	case ProviderCivitai:
		query := req.URL.Query()
		query.Set("token", string(buf.Bytes()))
		req.URL.RawQuery = query.Encode()
	}

	return nil
}

// Scrub destroys every credential held for the given request ID.
func (b *Broker) Scrub(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.entries {
		if k.requestID == requestID {
			delete(b.entries, k)
		}
	}
}

// Run expires stale credentials until the context is done.
func (b *Broker) Run(ctx context.Context) error {
	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if n := b.sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("Expired download credentials")
			}

		case <-ctx.Done():
			b.purge()
			return nil
		}
	}
}

func (b *Broker) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var n int
	for k, e := range b.entries {
		if now.After(e.expires) {
			delete(b.entries, k)
			n++
		}
	}

	return n
}

func (b *Broker) purge() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[key]entry)
}

// ProviderForHost maps a request host to the provider whose credential format
// it expects.
func ProviderForHost(host string) (Provider, bool) {
	host = strings.ToLower(host)

	switch {
	case host == "huggingface.co" || strings.HasSuffix(host, ".huggingface.co"):
		return ProviderHuggingFace, true
	case host == "civitai.com" || strings.HasSuffix(host, ".civitai.com"):
		return ProviderCivitai, true
	default:
		return "", false
	}
}

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

// Lifecycle event types published to sinks.
const (
	LifecycleQueued   = "download_queued"
	LifecycleProgress = "download_progress"
	LifecycleComplete = "download_complete"
	LifecycleFailed   = "download_failed"
	LifecycleAlias    = "alias_created"
)

// Lifecycle describes one step of a download as seen by observers (the event
// feed, metrics). URLs are sanitized before they get here; no field ever
// carries a credential.
type Lifecycle struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Path       string `json:"path,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Sink observes download lifecycle events. Implementations must not block:
// they are called from the download hot path.
type Sink interface {
	Publish(ev Lifecycle)
}

type multiSink []Sink

// MultiSink fans lifecycle events out to several sinks.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (s multiSink) Publish(ev Lifecycle) {
	for _, sink := range s {
		sink.Publish(ev)
	}
}

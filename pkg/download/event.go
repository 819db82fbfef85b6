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

// Event is one frame of a download progress stream. Exactly four frame
// shapes exist on the wire:
//
//	{"message": "...", "bytes": 0, "total_bytes": 123}   announcement
//	{"progress": 0.42, "bytes": 52, "total_bytes": 123}  progress
//	{"message": "...", "path": "...", "sha256": "..."}   terminal success
//	{"error": "..."}                                     terminal failure
//
// Pointer fields distinguish "zero" from "absent": an announcement frame
// carries bytes 0, a terminal frame carries no byte counters at all.
type Event struct {
	Message    string   `json:"message,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	Bytes      *int64   `json:"bytes,omitempty"`
	TotalBytes *int64   `json:"total_bytes,omitempty"`
	Path       string   `json:"path,omitempty"`
	SHA256     string   `json:"sha256,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Terminal messages of successful downloads.
const (
	msgComplete      = "Download complete"
	msgAlreadyExists = "Already exists"
	msgAliasCreated  = "Alias created"
)

// Terminal reports whether no more frames follow this one.
func (e Event) Terminal() bool {
	return e.Error != "" || e.Path != ""
}

func messageEvent(message string, bytes, total int64) Event {
	return Event{
		Message:    message,
		Bytes:      &bytes,
		TotalBytes: &total,
	}
}

func progressEvent(bytes, total int64) Event {
	var progress float64
	if total > 0 {
		progress = float64(bytes) / float64(total)
	}

	return Event{
		Progress:   &progress,
		Bytes:      &bytes,
		TotalBytes: &total,
	}
}

func terminalEvent(message, path, sha256 string) Event {
	return Event{
		Message: message,
		Path:    path,
		SHA256:  sha256,
	}
}

func errorEvent(err error) Event {
	return Event{Error: err.Error()}
}

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
	"sync"
)

const subscriberBuffer = 64

// Stream delivers the events of one download to one caller. Cancel detaches
// the caller; when the last caller detaches, the underlying fetch stops.
type Stream struct {
	events <-chan Event
	cancel func()
	once   sync.Once
}

// Events returns the frame channel. It is closed after the terminal frame.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel detaches this stream from the download. Safe to call twice.
func (s *Stream) Cancel() {
	s.once.Do(s.cancel)
}

func newDoneStream(events ...Event) *Stream {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	return &Stream{events: ch, cancel: func() {}}
}

type subscriber struct {
	id   int
	ch   chan Event
	gone chan struct{}
	dest string
}

// pendingDownload is one in-flight fetch with its attached subscribers.
// There is a single producer; subscribers come and go concurrently.
type pendingDownload struct {
	key  string
	dest string
	hash string

	cancel context.CancelFunc

	// headersDone is closed once the upstream response is established (or
	// failed): before that, no caller has committed to a stream yet.
	headersDone chan struct{}
	headersErr  *Error

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	started bool
	bytes   int64
	total   int64
	done    bool
}

func newPendingDownload(key, dest, hash string, cancel context.CancelFunc) *pendingDownload {
	return &pendingDownload{
		key:         key,
		dest:        dest,
		hash:        hash,
		cancel:      cancel,
		headersDone: make(chan struct{}),
		subs:        map[int]*subscriber{},
	}
}

// subscribe attaches a caller. Late joiners are primed with a frame telling
// them where the transfer currently stands. Returns false when the download
// already delivered its terminal frame.
func (p *pendingDownload) subscribe(dest string) (*subscriber, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return nil, false
	}

	sub := &subscriber{
		id:   p.nextID,
		ch:   make(chan Event, subscriberBuffer),
		gone: make(chan struct{}),
		dest: dest,
	}
	p.nextID++

	if p.started {
		sub.ch <- messageEvent("Download in progress", p.bytes, p.total)
	}

	p.subs[sub.id] = sub

	return sub, true
}

// unsubscribe detaches a caller and reports whether it was the last one, in
// which case the fetch has been canceled.
func (p *pendingDownload) unsubscribe(id int) bool {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
		close(sub.gone)
	}
	last := ok && len(p.subs) == 0 && !p.done
	p.mu.Unlock()

	if last {
		p.cancel()
	}

	return last
}

// publish fans a non-terminal frame out to every subscriber. A subscriber
// that cannot keep up misses frames; it never blocks the producer.
func (p *pendingDownload) publish(ev Event) {
	p.mu.Lock()
	p.started = true
	if ev.Bytes != nil {
		p.bytes = *ev.Bytes
	}
	if ev.TotalBytes != nil {
		p.total = *ev.TotalBytes
	}
	subs := p.snapshot()
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// finish delivers the closing frames to every subscriber and ends their
// streams. The frames callback decides, per destination, what a subscriber
// sees last: joiners whose destination differs from the canonical one get an
// alias step in front of the shared terminal frame. Closing frames are never
// dropped.
func (p *pendingDownload) finish(frames func(dest string) []Event) {
	p.mu.Lock()
	p.done = true
	subs := p.snapshot()
	p.mu.Unlock()

	for _, sub := range subs {
		for _, ev := range frames(sub.dest) {
			select {
			case sub.ch <- ev:
			case <-sub.gone:
			}
		}
		close(sub.ch)
	}
}

func (p *pendingDownload) snapshot() []*subscriber {
	subs := make([]*subscriber, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}

	return subs
}

// announceHeaders publishes the outcome of the response handshake. Callers
// blocked in awaitHeaders resume once this is called.
func (p *pendingDownload) announceHeaders(err *Error) {
	p.headersErr = err
	close(p.headersDone)
}

// awaitHeaders blocks until the upstream response is established or the
// caller gives up.
func (p *pendingDownload) awaitHeaders(ctx context.Context) *Error {
	select {
	case <-p.headersDone:
		return p.headersErr
	case <-ctx.Done():
		return newError(KindCanceled, ctx.Err())
	}
}

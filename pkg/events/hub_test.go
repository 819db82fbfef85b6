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

package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loomworks/model-registry/pkg/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))

	return msg
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	conn := dialHub(t, hub)

	// Registration races the broadcast below; wait until the hub has the
	// client before publishing.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()

		return len(hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hub.Broadcast(download.LifecycleComplete, map[string]string{"path": "/models/a.safetensors"})

	msg := readMessage(t, conn)
	assert.Equal(t, download.LifecycleComplete, msg.Type)

	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/models/a.safetensors", data["path"])
}

func TestHub_Publish_throttlesProgress(t *testing.T) {
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()

		return len(hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 1; i <= 10; i++ {
		hub.Publish(download.Lifecycle{
			Type:       download.LifecycleProgress,
			Path:       "/models/a.safetensors",
			Bytes:      int64(i * 100),
			TotalBytes: 1000,
		})
	}
	// Terminal events are never throttled.
	hub.Publish(download.Lifecycle{
		Type: download.LifecycleComplete,
		Path: "/models/a.safetensors",
	})

	first := readMessage(t, conn)
	assert.Equal(t, download.LifecycleProgress, first.Type)

	second := readMessage(t, conn)
	assert.Equal(t, download.LifecycleComplete, second.Type)
}

func TestHub_Publish_distinctPathsNotThrottledTogether(t *testing.T) {
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()

		return len(hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hub.Publish(download.Lifecycle{Type: download.LifecycleProgress, Path: "/models/a.safetensors", Bytes: 10})
	hub.Publish(download.Lifecycle{Type: download.LifecycleProgress, Path: "/models/b.safetensors", Bytes: 20})

	paths := map[string]struct{}{}
	for i := 0; i < 2; i++ {
		msg := readMessage(t, conn)

		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		paths[data["path"].(string)] = struct{}{}
	}

	assert.Len(t, paths, 2)
}

func TestHub_Run_shutdownClosesClients(t *testing.T) {
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()

		return len(hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")

	s := New(sock)
	s.Handle("ping", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	s.Handle("slow", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	s.Handle("boom", func(ctx context.Context, data json.RawMessage) (interface{}, error) {
		return nil, errBoom
	})

	require.NoError(t, s.Listen())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Serve(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		wg.Wait()
	})

	return s, sock
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestPingRoundTrip(t *testing.T) {
	_, sock := startTestServer(t)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"ping","id":"1"}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, "1", resp.ID)
}

func TestUnknownTypeReturnsError(t *testing.T) {
	_, sock := startTestServer(t)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte(`{"type":"nonsense","id":"2"}` + "\n"))

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "unknown request type")
}

func TestHandlerErrorSurfaces(t *testing.T) {
	_, sock := startTestServer(t)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte(`{"type":"boom","id":"3"}` + "\n"))

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.False(t, resp.Success)
	require.Equal(t, "boom", resp.Error)
}

// A slow request must not block a ping queued right behind it on the
// same connection: each request dispatches on its own goroutine.
func TestSlowRequestDoesNotBlockPing(t *testing.T) {
	_, sock := startTestServer(t)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte(`{"type":"slow","id":"slow"}` + "\n"))
	conn.Write([]byte(`{"type":"ping","id":"fast"}` + "\n"))

	scanner := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.True(t, scanner.Scan())
	var first Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &first))
	require.Equal(t, "fast", first.ID)
}

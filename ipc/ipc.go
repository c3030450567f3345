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

// Package ipc implements the Unix-domain-socket, newline-delimited
// JSON wire protocol of spec.md §4.9/§6.1. Dispatch is by the
// request's `type` field to a registered Handler, the same
// route-to-handler shape govisor's rest/server.go and rpc/server.go
// use for HTTP, adapted to a socket transport. Per-connection
// responses are serialized through a t3rm1n4l/go-mpscqueue mailbox
// (the same shape hedisam-goactor_'s mailbox_mpsc.go uses) so many
// concurrently-dispatched requests can each answer as soon as they're
// ready without interleaving partial writes on the wire.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	mpsc "github.com/t3rm1n4l/go-mpscqueue"
)

// Request is one inbound message (spec.md §6.1).
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id"`
}

// Response is one outbound message; ID mirrors the request it answers.
type Response struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	ID      string      `json:"id"`
}

// Handler answers one request. Returning an error produces a
// success=false response carrying err.Error() in Response.Error.
type Handler func(ctx context.Context, data json.RawMessage) (interface{}, error)

// Server is the daemon's control-plane listener.
type Server struct {
	socketPath string
	ln         net.Listener

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

// New creates a Server bound to socketPath. Handle must be called for
// every request type before Serve is invoked.
func New(socketPath string) *Server {
	return &Server{socketPath: socketPath, handlers: make(map[string]Handler)}
}

// Handle registers h to answer requests of the given type.
func (s *Server) Handle(reqType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[reqType] = h
}

// Listen removes any stale socket file and binds a new Unix listener.
// Callers must have already established (via a PID-file lock) that no
// other supervisor holds this socket (spec.md §4.9).
func (s *Server) Listen() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones
// to drain.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	outbox := mpsc.New()
	signal := make(chan struct{}, 1)
	done := make(chan struct{})
	var inflight sync.WaitGroup

	go s.drain(conn, outbox, signal, done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		inflight.Add(1)
		go func(line []byte) {
			defer inflight.Done()
			s.dispatch(ctx, line, outbox, signal)
		}(line)
	}

	inflight.Wait()
	close(done)
}

func (s *Server) dispatch(ctx context.Context, line []byte, outbox *mpsc.MPSCQueue, signal chan struct{}) {
	var req Request
	resp := Response{}
	if err := json.Unmarshal(line, &req); err != nil {
		resp = Response{Type: "error", Success: false, Error: "malformed request: " + err.Error()}
	} else {
		resp.Type = req.Type
		resp.ID = req.ID

		s.mu.RLock()
		h, ok := s.handlers[req.Type]
		s.mu.RUnlock()

		if !ok {
			resp.Error = "unknown request type: " + req.Type
		} else if data, err := h(ctx, req.Data); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Data = data
		}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	outbox.Push(b)
	select {
	case signal <- struct{}{}:
	default:
	}
}

func (s *Server) drain(conn net.Conn, outbox *mpsc.MPSCQueue, signal, done chan struct{}) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case <-done:
			for outbox.Size() != 0 {
				w.Write(outbox.Pop().([]byte))
			}
			w.Flush()
			return
		case <-signal:
			for outbox.Size() != 0 {
				w.Write(outbox.Pop().([]byte))
			}
			w.Flush()
		}
	}
}

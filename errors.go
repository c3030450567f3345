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

package bm2

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind identifies a member of the error taxonomy. Kind strings are part
// of the IPC wire contract and must remain stable.
type Kind string

const (
	KindNotFound       Kind = "NotFound"
	KindAlreadyExists  Kind = "AlreadyExists"
	KindInvalidSpec    Kind = "InvalidSpec"
	KindSpawnFailed    Kind = "SpawnFailed"
	KindKillTimeout    Kind = "KillTimeout"
	KindUnhealthy      Kind = "Unhealthy"
	KindAlreadyRunning Kind = "AlreadyRunning"
	KindIOError        Kind = "IOError"
	KindInternal       Kind = "Internal"
)

// Error is the taxonomy member surfaced through the IPC error field and
// returned by every Supervisor operation that can fail. It wraps an
// optional underlying cause so errors.Is/errors.As keep working against
// the original error while callers needing only the taxonomy can switch
// on Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newError wraps cause (which may be nil) with pkg/errors so a stack
// trace is attached at the first taxonomy boundary that saw the
// failure.
func newError(kind Kind, msg string, cause error) *Error {
	if cause != nil {
		cause = pkgerrors.Wrap(cause, msg)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func errNotFound(target string) *Error {
	return newError(KindNotFound, fmt.Sprintf("no service matches %q", target), nil)
}

func errAlreadyExists(name string) *Error {
	return newError(KindAlreadyExists, fmt.Sprintf("service %q already exists", name), nil)
}

func errInvalidSpec(msg string, cause error) *Error {
	return newError(KindInvalidSpec, msg, cause)
}

func errSpawnFailed(name string, cause error) *Error {
	return newError(KindSpawnFailed, fmt.Sprintf("failed to spawn %q", name), cause)
}

func errKillTimeout(name string) *Error {
	return newError(KindKillTimeout, fmt.Sprintf("%q did not exit after SIGKILL", name), nil)
}

func errIOError(msg string, cause error) *Error {
	return newError(KindIOError, msg, cause)
}

func errInternal(msg string, cause error) *Error {
	return newError(KindInternal, msg, cause)
}

// Sentinel errors for conditions that carry no dynamic detail, in the
// teacher's flat var-block style.
var (
	ErrNoSupervisor   = errors.New("service is not attached to a supervisor")
	ErrIsEnabled      = errors.New("service is enabled")
	ErrAlreadyRunning = errors.New("another bm2 supervisor is already running for this host")
)

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

// Package bm2 implements the supervision engine of the bm2 process
// manager daemon: the registry of managed services, the restart state
// machine, the rolling reload coordinator, and the declarative
// persistence layer.
//
// bm2 is not a replacement for your system's init; it is a tool for an
// operator to keep a set of long-running processes alive, restarted on
// crash, scaled into worker clusters, and reloaded with zero downtime.
// Exactly one bm2 supervisor runs per host; it serves a control client
// over a Unix-domain socket (see package ipc) rather than embedding any
// user interface of its own.
package bm2

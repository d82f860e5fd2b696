// Copyright 2026 The Prefork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prefork provides a master/worker HTTP/1.1 serving core, in the
// style of pre-fork application servers such as gunicorn or unicorn.
//
// A Supervisor binds a single TCP socket and spawns a fixed number of
// workers.  Every worker accepts connections from a duplicate of the shared
// socket, so the kernel load-balances connections across workers on a
// first-ready-wins basis.  Each accepted connection is parsed, dispatched to
// an application supplied Handler, and the response is written back honoring
// HTTP/1.1 keep-alive semantics.
//
// The Supervisor monitors worker health by heartbeat, replaces crashed or
// hung workers (bounded by a restart rate ceiling), performs rolling
// restarts that never drop serving capacity below N-1, and drains workers
// gracefully on shutdown.
//
// Workers may run either as goroutines inside the supervising process, or
// as true child processes that inherit the bound socket descriptor.  Both
// models sit behind the Runner interface, and failures in one worker never
// affect another.
//
// The rest subpackage exposes a control API for inspecting and driving a
// running Supervisor; cmd/preforkd and cmd/preforkctl are the daemon and
// its control client.
package prefork

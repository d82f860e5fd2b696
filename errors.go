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

package prefork

import (
	"errors"
)

var (
	ErrListenerClosed = errors.New("Listener closed")
	ErrNotRunning     = errors.New("Supervisor is not running")
	ErrAlreadyRunning = errors.New("Supervisor is already running")
	ErrShuttingDown   = errors.New("Shutdown in progress")
	ErrReloadBusy     = errors.New("Reload already in progress")
	ErrRestartStorm   = errors.New("Restarting too quickly")
	ErrWorkerHung     = errors.New("Worker heartbeat timed out")
	ErrNeverReady     = errors.New("Worker never became ready")
	ErrBadConfig      = errors.New("Invalid configuration")
)

// BindError is returned when the serving socket cannot be bound.  It only
// occurs at startup and is always fatal.  The underlying cause (address in
// use, permission denied) is available via Unwrap.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return "bind " + e.Addr + ": " + e.Err.Error()
}

func (e *BindError) Unwrap() error {
	return e.Err
}

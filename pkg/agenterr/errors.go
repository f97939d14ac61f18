// Copyright 2025 The fleetd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agenterr defines the error taxonomy shared by all agent components.
//
// Retry policy throughout the agent hinges on two orthogonal properties of an
// error: whether it is a network-connection error (transport failures that do
// not advance retry counters) and whether it is an authentication error
// (401-equivalents that trigger a token refresh). Both are exposed through
// classification functions that walk the wrapped error chain.
package agenterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sentinel policy errors. These signal misuse of an API rather than an outage.
var (
	// ErrInCooldown is returned by a direct sync call while the sync loop is
	// still inside its cooldown window.
	ErrInCooldown = errors.New("sync refused: cooldown is still active")

	// ErrShutDown is returned by actor mailboxes for commands sent after
	// shutdown.
	ErrShutDown = errors.New("actor has shut down")

	// ErrDuplicateWorker is returned by the supervisor when a worker handle
	// is registered under a name that is already taken.
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Classifier is the capability carried by classified errors.
type Classifier interface {
	IsNetworkConnectionError() bool
	IsAuthenticationError() bool
}

// networkError marks an error as a network-connection failure.
type networkError struct {
	err error
}

func (e *networkError) Error() string                  { return e.err.Error() }
func (e *networkError) Unwrap() error                  { return e.err }
func (e *networkError) IsNetworkConnectionError() bool { return true }
func (e *networkError) IsAuthenticationError() bool    { return false }

// authError marks an error as an authentication failure.
type authError struct {
	err error
}

func (e *authError) Error() string                  { return e.err.Error() }
func (e *authError) Unwrap() error                  { return e.err }
func (e *authError) IsNetworkConnectionError() bool { return false }
func (e *authError) IsAuthenticationError() bool    { return true }

// Network wraps err so that IsNetworkConnection reports true for it.
// Returns nil when err is nil.
func Network(err error) error {
	if err == nil {
		return nil
	}
	return &networkError{err: err}
}

// Auth wraps err so that IsAuthentication reports true for it.
// Returns nil when err is nil.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &authError{err: err}
}

// IsNetworkConnection reports whether any error in the chain is a
// network-connection error. Raw transport errors (refused TCP, DNS failures,
// timeouts, cancelled dials) classify without explicit wrapping.
func IsNetworkConnection(err error) bool {
	if err == nil {
		return false
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.IsNetworkConnectionError()
	}

	// Timeouts are transport-level by policy: MQTT publish/subscribe
	// timeouts and HTTP deadline overruns must not advance retry streaks.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// IsAuthentication reports whether any error in the chain is an
// authentication error.
func IsAuthentication(err error) bool {
	if err == nil {
		return false
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.IsAuthenticationError()
	}
	return false
}

// RollbackError reports a projection swap that failed and whose restore
// attempt failed as well. It carries both causes and the trash directory left
// in place for diagnostics. It is always surfaced, never swallowed.
type RollbackError struct {
	Primary   error
	Rollback  error
	TrashPath string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("deployment swap failed and rollback failed (trash kept at %s): swap: %v; rollback: %v",
		e.TrashPath, e.Primary, e.Rollback)
}

func (e *RollbackError) Unwrap() error { return e.Primary }

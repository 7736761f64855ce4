/*
Copyright 2024 The Mirador Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the core can surface. Errors are
// classified once, at the layer where they arise; outer layers wrap with
// %w and never reclassify.
type ErrorKind string

const (
	// KindNotFound covers missing projects, repositories, revisions and paths.
	KindNotFound ErrorKind = "NotFound"
	// KindAlreadyExists is returned when creating something that exists.
	KindAlreadyExists ErrorKind = "AlreadyExists"
	// KindChangeConflict means the push base revision no longer matches the head.
	KindChangeConflict ErrorKind = "ChangeConflict"
	// KindChangePatchConflict means a JSON patch test (or safeReplace) failed.
	KindChangePatchConflict ErrorKind = "ChangePatchConflict"
	// KindRedundantChange means a push had no net effect on any path.
	KindRedundantChange ErrorKind = "RedundantChange"
	// KindInvalidPush covers schema and policy violations, including malformed
	// changes and writes to reserved paths.
	KindInvalidPush ErrorKind = "InvalidPush"
	// KindReadOnly means the server is in replication-only mode.
	KindReadOnly ErrorKind = "ReadOnly"
	// KindPermission means a role check failed.
	KindPermission ErrorKind = "Permission"
	// KindCancelled means the caller cancelled a suspended operation.
	KindCancelled ErrorKind = "Cancelled"
	// KindTimeout means a watch timed out without observing a change.
	KindTimeout ErrorKind = "Timeout"
	// KindMirrorFailure covers quota and remote failures of mirror tasks.
	KindMirrorFailure ErrorKind = "MirrorFailure"
	// KindNoQuorum means the replication layer cannot make progress.
	KindNoQuorum ErrorKind = "NoQuorum"
	// KindShutdown means graceful termination was observed.
	KindShutdown ErrorKind = "Shutdown"
	// KindCorruption means an integrity check failed. Fatal, never retried.
	KindCorruption ErrorKind = "Corruption"
)

// Error is the one concrete error type crossing component boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewError formats a classified error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error without discarding it.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
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

// Retryable reports whether the caller may usefully retry after
// refreshing its view of the world.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindChangeConflict, KindNoQuorum, KindMirrorFailure, KindTimeout:
		return true
	}
	return false
}

// KindOf extracts the kind from err, unwrapping as needed. Unclassified
// errors report an empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func isKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return isKind(err, KindAlreadyExists) }

// IsChangeConflict reports whether err is a base-revision conflict.
func IsChangeConflict(err error) bool { return isKind(err, KindChangeConflict) }

// IsChangePatchConflict reports whether err is a failed patch precondition.
func IsChangePatchConflict(err error) bool { return isKind(err, KindChangePatchConflict) }

// IsRedundantChange reports whether err is a no-effect push rejection.
func IsRedundantChange(err error) bool { return isKind(err, KindRedundantChange) }

// IsInvalidPush reports whether err is a schema or policy rejection.
func IsInvalidPush(err error) bool { return isKind(err, KindInvalidPush) }

// IsReadOnly reports whether err was caused by replication-only mode.
func IsReadOnly(err error) bool { return isKind(err, KindReadOnly) }

// IsTimeout reports whether err is a watch timeout.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// IsCancelled reports whether err is a caller cancellation.
func IsCancelled(err error) bool { return isKind(err, KindCancelled) }

// IsShutdown reports whether err was caused by server shutdown.
func IsShutdown(err error) bool { return isKind(err, KindShutdown) }

// IsCorruption reports whether err is a fatal integrity failure.
func IsCorruption(err error) bool { return isKind(err, KindCorruption) }

/*
Copyright 2024 Blnk Finance Authors.

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

package execerror

import (
	"errors"
	"fmt"

	redlock "github.com/blnkfinance/rebalancer/internal/lock"
)

type Kind string

const (
	KindMalformed    Kind = "MALFORMED_MESSAGE"
	KindDeferred     Kind = "DEFERRED"
	KindLockLost     Kind = "LOCK_LOST"
	KindRetryable    Kind = "RETRYABLE"
	KindNonRetryable Kind = "NON_RETRYABLE"
	KindLedgerWrite  Kind = "LEDGER_WRITE"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Malformed(err error) error {
	return New(KindMalformed, "malformed message", err)
}

func Deferred(message string) error {
	return New(KindDeferred, message, nil)
}

func Retryable(message string, err error) error {
	return New(KindRetryable, message, err)
}

func NonRetryable(message string, err error) error {
	return New(KindNonRetryable, message, err)
}

func LedgerWrite(message string, err error) error {
	return New(KindLedgerWrite, message, err)
}

// Classify maps any error to a Kind. Unclassified errors are retryable so
// that an unknown failure is redelivered rather than dropped.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, redlock.ErrLockLost) {
		return KindLockLost
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return KindRetryable
}

// IsDeferred reports whether err only postpones the message.
func IsDeferred(err error) bool {
	return Classify(err) == KindDeferred
}

// ShouldAcknowledge reports whether the queue message can be deleted after err.
func ShouldAcknowledge(err error) bool {
	switch Classify(err) {
	case "", KindMalformed, KindNonRetryable:
		return true
	}
	return false
}

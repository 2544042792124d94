// Copyright 2022 The codesjoy Authors.
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

package xds

import (
	"fmt"
)

// XDSError represents an xDS-specific error
//
//nolint:revive // XDSError name stutter is acceptable for domain-specific error type
type XDSError struct {
	Code    string
	Message string
	Cause   error
}

func (e *XDSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xds[%s]: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("xds[%s]: %s", e.Code, e.Message)
}

func (e *XDSError) Unwrap() error {
	return e.Cause
}

// NewXDSError creates a new xDS error with the given code, message, and cause
func NewXDSError(code, message string, cause error) *XDSError {
	return &XDSError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

const (
	// ErrCodeConnectionFailed indicates connection to the control plane failed
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	// ErrCodeDecodeFailed indicates a discovery resource could not be decoded
	ErrCodeDecodeFailed = "DECODE_FAILED"
	// ErrCodeInvalidConfig indicates invalid bootstrap configuration
	ErrCodeInvalidConfig = "INVALID_CONFIG"
)

// ErrConnectionFailed creates an error for control-plane connection failures
func ErrConnectionFailed(cause error) error {
	return NewXDSError(ErrCodeConnectionFailed, "failed to connect to control plane", cause)
}

// ErrDecodeFailed creates an error for undecodable discovery resources
func ErrDecodeFailed(resourceType string, cause error) error {
	return NewXDSError(ErrCodeDecodeFailed,
		fmt.Sprintf("failed to decode %s resource", resourceType), cause)
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(message string) error {
	return NewXDSError(ErrCodeInvalidConfig, message, nil)
}

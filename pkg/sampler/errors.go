// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sampler

import "errors"

var (
	ErrAlreadyRegistered       = errors.New("thread already registered")
	ErrUnknownThread           = errors.New("unknown thread")
	ErrInvalidInterval         = errors.New("invalid sampling interval")
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
	ErrRegistryFull            = errors.New("thread registry full")

	// ErrCaptureFailed is never returned, failed captures are counted as
	// drops.
	ErrCaptureFailed = errors.New("capture failed")
)

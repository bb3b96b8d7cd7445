/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logbuffer

import "errors"

var (
	// ErrConfiguration reports an invalid term length, page size or MTU.
	ErrConfiguration = errors.New("invalid log buffer configuration")
	// ErrInvalidLogBuffer reports a mapped file whose length or metadata does
	// not describe a valid log buffer.
	ErrInvalidLogBuffer = errors.New("invalid log buffer")
	// ErrCorruptFrame reports a frame length that is neither zero, an
	// in-progress reservation nor a valid committed length. The log buffer
	// cannot be read past it.
	ErrCorruptFrame = errors.New("corrupt frame")
)

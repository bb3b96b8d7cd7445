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

package buffer

import "math/bits"

// CacheLineLength is the assumed cache line size used to pad shared counters.
const CacheLineLength = 64

// Align rounds value up to the next multiple of alignment, a power of two.
func Align(value, alignment int32) int32 {
	return (value + (alignment - 1)) &^ (alignment - 1)
}

// AlignInt64 is Align for 64-bit values.
func AlignInt64(value, alignment int64) int64 {
	return (value + (alignment - 1)) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether value is a positive power of two.
func IsPowerOfTwo(value int64) bool {
	return value > 0 && value&(value-1) == 0
}

// NumberOfTrailingZeros returns the count of trailing zero bits in value.
func NumberOfTrailingZeros(value int32) int {
	return bits.TrailingZeros32(uint32(value))
}

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import "unsafe"

// uintptrDiff returns the byte offset of sub's first element within base's
// backing array. Both slices must share the same backing array (sub must
// be a sub-slice of base, directly or indirectly), which holds for every
// caller in this package: block storage is always carved out of a Segment
// or Pool slot.
func uintptrDiff(sub, base []byte) uintptr {
	if len(sub) == 0 || len(base) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&sub[0])) - uintptr(unsafe.Pointer(&base[0]))
}

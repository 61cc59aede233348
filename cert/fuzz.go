// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

package cert

// Fuzz exercises Parse's certificate-chain walk against arbitrary input,
// the same harness shape saferwall/pe uses over its own parser.
func Fuzz(data []byte) int {
	if _, err := Parse(data); err != nil {
		return 0
	}
	return 1
}

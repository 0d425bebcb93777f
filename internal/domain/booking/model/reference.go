// SPDX-License-Identifier: MIT

package model

import "fmt"

// FormatReference renders a human-readable booking reference from the
// yearly counter the store issues, e.g. ST-2026-000042.
func FormatReference(year int, n int64) string {
	return fmt.Sprintf("ST-%04d-%06d", year, n)
}

// Package retention owns the age-based purge policy: parsing the
// configured window and running the periodic sweep that deletes
// snapshots of abandoned games.
package retention

import (
	"strconv"
	"strings"

	"github.com/lunarch/savepoint/pkg/store"
)

// Window parses a day-count setting as supplied by the environment.
// Missing, malformed, or non-positive values fall back to the default
// window rather than failing, so a bad deployment value degrades to
// the stock policy.
func Window(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return store.DefaultRetentionDays
	}
	return n
}

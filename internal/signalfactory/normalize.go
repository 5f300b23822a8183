package signalfactory

import "strings"

// Normalize maps a broker-native or loosely formatted symbol to its
// canonical form: uppercase, with separators (`/`, `-`, `_`, spaces)
// stripped. It is idempotent by construction since the output contains
// none of the characters the function strips.
func Normalize(symbol string) string {
	upper := strings.ToUpper(symbol)
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(upper)
}

package store

import (
	"fmt"
	"strings"
)

// NormalizeOUI reduces a MAC address or prefix to the six upper-case hex
// digits of its vendor part. Separators (":", "-", ".") are ignored.
func NormalizeOUI(mac string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(mac)) {
		switch {
		case r == ':' || r == '-' || r == '.':
			continue
		case (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F'):
			b.WriteRune(r)
		default:
			return "", fmt.Errorf("invalid mac address %q", mac)
		}
		if b.Len() == 6 {
			return b.String(), nil
		}
	}
	return "", fmt.Errorf("mac address %q too short", mac)
}

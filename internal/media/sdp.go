package media

import (
	"regexp"
	"strings"
)

var extmapRe = regexp.MustCompile(`^a=extmap:(\d+)(/\S+)?( +)(\S+)(.*)$`)

// SanitizeExtensionIDs normalizes RTP header-extension id assignments so
// one extension URI always maps to one numeric id across the payload. Id
// collisions between duplicate mappings corrupt negotiation on some stacks.
// The transform is idempotent and leaves payloads without duplicate
// mappings untouched, byte for byte.
func SanitizeExtensionIDs(sdp string) string {
	lines := strings.Split(sdp, "\r\n")

	// First pass: first-seen id wins per URI.
	canonical := make(map[string]string)
	for _, line := range lines {
		if m := extmapRe.FindStringSubmatch(line); m != nil {
			uri := m[4]
			if _, ok := canonical[uri]; !ok {
				canonical[uri] = m[1]
			}
		}
	}

	changed := false
	for i, line := range lines {
		m := extmapRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, dir, sp, uri, rest := m[1], m[2], m[3], m[4], m[5]
		want := canonical[uri]
		if id == want {
			continue
		}
		lines[i] = "a=extmap:" + want + dir + sp + uri + rest
		changed = true
	}

	if !changed {
		return sdp
	}
	return strings.Join(lines, "\r\n")
}

package engine

import (
	"fmt"
	"strings"
)

// capVideoBitrate inserts a b=AS bandwidth line into every video section
// of the SDP, capping the sender-side encoding rate. Existing bandwidth
// lines in those sections are replaced.
func capVideoBitrate(sdp string, kbps int) string {
	if kbps <= 0 {
		return sdp
	}
	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+2)
	inVideo := false
	inserted := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "m="):
			inVideo = strings.HasPrefix(line, "m=video")
			inserted = false
			out = append(out, line)
		case inVideo && strings.HasPrefix(line, "b=AS:"):
			// replaced below
		case inVideo && !inserted && strings.HasPrefix(line, "c="):
			out = append(out, line, fmt.Sprintf("b=AS:%d", kbps))
			inserted = true
		case inVideo && !inserted && strings.HasPrefix(line, "a="):
			// no c= line in this section; bandwidth goes before attributes
			out = append(out, fmt.Sprintf("b=AS:%d", kbps), line)
			inserted = true
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\r\n")
}

package printer

import (
	"bytes"
	"fmt"
	"strings"
)

// ValidZPL checks that the payload is a plausible label format: ^XA must
// appear and must come before ^XZ. Content failing this to a ZPL printer
// is a permanent failure, not a retry candidate.
func ValidZPL(payload []byte) bool {
	upper := strings.ToUpper(string(payload))
	start := strings.Index(upper, "^XA")
	end := strings.LastIndex(upper, "^XZ")
	return start >= 0 && end >= 0 && start < end
}

// ConfigPreamble renders the device configuration block prepended to raw
// ZPL payloads: darkness as a standalone ~SD, print width in its own
// format so the label itself stays untouched.
func ConfigPreamble(cap Capability) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "~SD%02d\r\n", clampDarkness(cap.Darkness))
	fmt.Fprintf(&b, "^XA^PW%d^XZ\r\n", cap.WidthDots)
	return b.Bytes()
}

func clampDarkness(d int) int {
	if d < 0 {
		return 0
	}
	if d > 30 {
		return 30
	}
	return d
}

// RepeatPayload repeats a raw payload qty times in a single write so
// copies of one label never interleave with another job's output.
func RepeatPayload(payload []byte, qty int) []byte {
	if qty <= 1 {
		return payload
	}
	out := make([]byte, 0, (len(payload)+2)*qty)
	for i := 0; i < qty; i++ {
		if i > 0 && !bytes.HasSuffix(out, []byte("\r\n")) {
			out = append(out, '\r', '\n')
		}
		out = append(out, payload...)
	}
	return out
}

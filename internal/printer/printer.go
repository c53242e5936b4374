// Package printer owns everything that touches a physical printer: the
// TCP transport, the ZPL helpers and the per-printer capability cache.
package printer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTransportUnavailable = errors.New("printer transport unavailable")
	ErrMalformedPayload     = errors.New("malformed print payload")
	ErrDeviceRejected       = errors.New("printer rejected the job")
)

// Target addresses one printer on the network.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// NewTarget normalizes an event's host/port pair, applying the default
// port when the event leaves it unset.
func NewTarget(host string, port, defaultPort int) (Target, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty printer host", ErrMalformedPayload)
	}
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("%w: printer port %d out of range", ErrMalformedPayload, port)
	}
	return Target{Host: host, Port: port}, nil
}

// Capability is the last-known device configuration of one printer.
type Capability struct {
	Target    string    `json:"target"`
	DPI       int       `json:"dpi"`
	WidthDots int       `json:"width_dots"`
	Darkness  int       `json:"darkness"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Transport writes payloads to printers and answers capability queries.
// The dispatcher takes it as an injected dependency so tests can swap in
// a fake.
type Transport interface {
	Write(ctx context.Context, target Target, payload []byte) error
	QueryCapability(ctx context.Context, target Target) (*Capability, error)
}

// dpmm values reported by ~HI mapped to the nominal dpi printers are sold
// under.
var dpmmToDPI = map[int]int{
	6:  152,
	8:  203,
	12: 300,
	24: 600,
}

func dpiFromDPMM(dpmm int) int {
	if dpi, ok := dpmmToDPI[dpmm]; ok {
		return dpi
	}
	return int(float64(dpmm)*25.4 + 0.5)
}

// parseHostIdent extracts the dpi from a ~HI response, e.g.
// "ZT410,V84.20.01Z,12,8192KB".
func parseHostIdent(s string) (int, error) {
	fields := strings.Split(strings.TrimSpace(strings.Trim(s, "\x02\x03\r\n")), ",")
	if len(fields) < 3 {
		return 0, fmt.Errorf("short host ident response %q", s)
	}
	dpmm, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return 0, fmt.Errorf("bad dpmm field %q in host ident", fields[2])
	}
	return dpiFromDPMM(dpmm), nil
}

// parseConfigLabel pulls print width and darkness out of a ^HH config
// dump. The dump is line oriented, value first, setting name last:
//
//	+10.0                DARKNESS
//	832                  PRINT WIDTH
func parseConfigLabel(s string) (widthDots, darkness int, err error) {
	widthDots, darkness = -1, -1

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "\x02\x03\r"))
		switch {
		case strings.HasSuffix(line, "DARKNESS"):
			val := strings.TrimSpace(strings.TrimSuffix(line, "DARKNESS"))
			val = strings.TrimPrefix(val, "+")
			if f, perr := strconv.ParseFloat(val, 64); perr == nil {
				darkness = int(f)
			}
		case strings.HasSuffix(line, "PRINT WIDTH"):
			val := strings.TrimSpace(strings.TrimSuffix(line, "PRINT WIDTH"))
			if n, perr := strconv.Atoi(val); perr == nil {
				widthDots = n
			}
		}
	}

	if widthDots < 0 || darkness < 0 {
		return 0, 0, fmt.Errorf("config label missing width or darkness")
	}
	return widthDots, darkness, nil
}

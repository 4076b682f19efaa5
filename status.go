package overpass

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/rs/zerolog"
	"github.com/timwie/go-overpass/internal/errkind"
)

// Status is a parsed snapshot of the server's /api/status response.
type Status struct {
	// Slots is the maximum number of concurrent queries this client IP may
	// run, or nil if the server advertises no limit.
	Slots *int
	// FreeSlots is the number of currently open slots, or nil iff Slots is
	// nil.
	FreeSlots *int
	// CooldownSecs is how long until the next slot opens for this IP; 0 if
	// one is free right now.
	CooldownSecs int
	// Endpoint is the announced backend identifier, when the public URL is
	// a load balancer; nil if not announced.
	Endpoint *string
	// NbRunningQueries is the number of queries this IP currently has
	// running, as reported by the status text.
	NbRunningQueries int
}

// MarshalZerologObject lets Client.Status log a parsed snapshot
// structuredly at debug level.
func (s Status) MarshalZerologObject(e *zerolog.Event) {
	if s.Slots != nil {
		e.Int("slots", *s.Slots)
	}
	if s.FreeSlots != nil {
		e.Int("free_slots", *s.FreeSlots)
	}
	e.Int("cooldown_secs", s.CooldownSecs)
	if s.Endpoint != nil {
		e.Str("endpoint", *s.Endpoint)
	}
	e.Int("nb_running_queries", s.NbRunningQueries)
}

var (
	reRateLimit       = regexp.MustCompile(`Rate limit:\s*(\d+)`)
	reSlotsAvailable  = regexp.MustCompile(`(\d+)\s+slots? available now`)
	reCooldownEntry   = regexp.MustCompile(`Slot available after:[^,]*,\s*in\s*(\d+)\s*seconds?`)
	reAnnouncedEndpt  = regexp.MustCompile(`Announced endpoint:\s*(\S+)`)
	reRunningQueryRow = regexp.MustCompile(`(?m)^\d+\t\d+\t\d+\t\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z`)
)

// ParseStatus parses the plain-text body of /api/status.
// A missing or unparseable "Rate limit:" line is treated as a malformed
// body and raises *ResponseError, since every real status document carries
// it; everything else in the grammar is optional.
func ParseStatus(body string, ref ResponseRef) (*Status, error) {
	m := reRateLimit.FindStringSubmatch(body)
	if m == nil {
		return nil, &ResponseError{Response: ref, Body: body, Cause: errMissingRateLimit}
	}

	rateLimit, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &ResponseError{Response: ref, Body: body, Cause: err}
	}

	var s Status

	if rateLimit > 0 {
		s.Slots = &rateLimit
	}

	var cooldowns []int
	for _, cm := range reCooldownEntry.FindAllStringSubmatch(body, -1) {
		secs, err := strconv.Atoi(cm[1])
		if err != nil {
			return nil, &ResponseError{Response: ref, Body: body, Cause: err}
		}
		cooldowns = append(cooldowns, secs)
	}

	if fm := reSlotsAvailable.FindStringSubmatch(body); fm != nil {
		free, err := strconv.Atoi(fm[1])
		if err != nil {
			return nil, &ResponseError{Response: ref, Body: body, Cause: err}
		}
		s.FreeSlots = &free
	} else if s.Slots != nil {
		free := *s.Slots - len(cooldowns)
		if free < 0 {
			free = 0
		}
		s.FreeSlots = &free
	}

	switch {
	case s.FreeSlots != nil && *s.FreeSlots > 0:
		s.CooldownSecs = 0
	case len(cooldowns) > 0:
		min := cooldowns[0]
		for _, c := range cooldowns[1:] {
			if c < min {
				min = c
			}
		}
		s.CooldownSecs = min
	default:
		s.CooldownSecs = 0
	}

	if em := reAnnouncedEndpt.FindStringSubmatch(body); em != nil {
		endpoint := em[1]
		if !strings.EqualFold(endpoint, "none") {
			s.Endpoint = &endpoint
		}
	}

	s.NbRunningQueries = len(reRunningQueryRow.FindAllString(body, -1))

	return &s, nil
}

var errMissingRateLimit = errkind.Basic(`missing "Rate limit:" line`)

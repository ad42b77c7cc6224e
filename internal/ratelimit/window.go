package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope selects what a window counts against.
type Scope string

const (
	// ScopePrincipal counts per authenticated principal, falling back to the
	// client address for anonymous requests.
	ScopePrincipal Scope = "principal"
	// ScopeIP always counts per client address.
	ScopeIP Scope = "ip"
)

// FailPolicy decides what happens when the counter store errors.
type FailPolicy string

const (
	FailOpen   FailPolicy = "open"
	FailClosed FailPolicy = "closed"
)

// Window is one fixed-window ceiling.
type Window struct {
	Name        string
	Duration    time.Duration
	MaxRequests int64
	Scope       Scope
	FailPolicy  FailPolicy
	// UseQuota lets a principal's quota_per_window replace MaxRequests.
	UseQuota bool
}

func (w Window) Validate() error {
	if w.Duration < time.Second {
		return fmt.Errorf("window %q: duration must be at least 1s", w.Name)
	}
	if w.Duration%time.Millisecond != 0 {
		return fmt.Errorf("window %q: duration must be a whole number of milliseconds", w.Name)
	}
	if w.MaxRequests <= 0 {
		return fmt.Errorf("window %q: max requests must be positive", w.Name)
	}
	switch w.Scope {
	case ScopePrincipal, ScopeIP:
	default:
		return fmt.Errorf("window %q: unknown scope %q", w.Name, w.Scope)
	}
	switch w.FailPolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("window %q: unknown fail policy %q", w.Name, w.FailPolicy)
	}
	return nil
}

// limitFor returns the ceiling that applies to quota.
func (w Window) limitFor(quota int64) int64 {
	if w.UseQuota && quota > 0 {
		return quota
	}
	return w.MaxRequests
}

// bounds returns the window index containing now and the epoch-millisecond
// boundary at which it ends.
func (w Window) bounds(now time.Time) (index int64, resetMs int64) {
	durMs := w.Duration.Milliseconds()
	index = now.UnixMilli() / durMs
	return index, (index + 1) * durMs
}

// NewWindow builds a fail-open window named after its duration.
func NewWindow(d time.Duration, maxRequests int64, scope Scope) Window {
	return Window{
		Name:        WindowName(d),
		Duration:    d,
		MaxRequests: maxRequests,
		Scope:       scope,
		FailPolicy:  FailOpen,
	}
}

// WindowName gives common durations a readable name.
func WindowName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	default:
		return d.String()
	}
}

// ParseWindows reads a comma separated list of windows, each written as
//
//	duration:max[:scope[:policy[:quota]]]
//
// e.g. "1m:60:principal:open:quota,1h:1000". Omitted fields default to
// principal scope, fail open and no quota override.
func ParseWindows(spec string) ([]Window, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var windows []Window
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := parseWindow(part)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		return nil, errors.New("no windows in spec")
	}
	if err := ValidateWindows(windows); err != nil {
		return nil, err
	}
	return windows, nil
}

// ValidateWindows checks each window and rejects two windows with the same
// scope and duration, which would count against one key.
func ValidateWindows(windows []Window) error {
	seen := make(map[string]string, len(windows))
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return err
		}
		id := string(w.Scope) + "/" + w.Duration.String()
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("windows %q and %q share scope %s and duration %s", prev, w.Name, w.Scope, w.Duration)
		}
		seen[id] = w.Name
	}
	return nil
}

func parseWindow(s string) (Window, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 5 {
		return Window{}, fmt.Errorf("window %q: want duration:max[:scope[:policy[:quota]]]", s)
	}

	d, err := time.ParseDuration(fields[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	maxRequests, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: invalid max requests: %w", s, err)
	}

	w := NewWindow(d, maxRequests, ScopePrincipal)
	if len(fields) > 2 && fields[2] != "" {
		w.Scope = Scope(strings.ToLower(fields[2]))
	}
	if len(fields) > 3 && fields[3] != "" {
		w.FailPolicy = FailPolicy(strings.ToLower(fields[3]))
	}
	if len(fields) > 4 {
		switch strings.ToLower(fields[4]) {
		case "quota":
			w.UseQuota = true
		case "", "noquota":
		default:
			return Window{}, fmt.Errorf("window %q: unknown flag %q", s, fields[4])
		}
	}
	if w.Scope == ScopeIP {
		w.Name = "ip_" + w.Name
	}

	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

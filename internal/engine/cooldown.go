package engine

import (
	"fmt"
	"time"
)

// CooldownPolicy decides what happens to a key after it fires.
type CooldownPolicy string

const (
	// CooldownReset clears the key's window so the count starts over.
	CooldownReset CooldownPolicy = "reset"
	// CooldownSuppress keeps the window but blocks another alert for the key
	// until one window length has passed.
	CooldownSuppress CooldownPolicy = "suppress"
	// CooldownNone fires on every qualifying event.
	CooldownNone CooldownPolicy = "none"
)

func ParseCooldown(s string) (CooldownPolicy, error) {
	switch p := CooldownPolicy(s); p {
	case CooldownReset, CooldownSuppress, CooldownNone:
		return p, nil
	case "":
		return CooldownNone, nil
	}
	return "", fmt.Errorf("unknown cooldown policy %q", s)
}

type cooldown struct {
	last map[string]time.Time
}

func newCooldown() *cooldown {
	return &cooldown{last: make(map[string]time.Time)}
}

func (c *cooldown) allow(key string, now time.Time, period time.Duration) bool {
	if period <= 0 {
		return true
	}
	if ts, ok := c.last[key]; ok && now.Sub(ts) < period {
		return false
	}
	c.last[key] = now
	return true
}

func (c *cooldown) forget(key string) {
	delete(c.last, key)
}

package ingest

import (
	"context"
	"time"
)

// StripPriority removes a leading syslog "<PRI>" tag and the RFC 5424
// version digit that may follow it.
func StripPriority(line string) string {
	if len(line) < 3 || line[0] != '<' {
		return line
	}
	end := 1
	for end < len(line) && end <= 4 && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	if end == 1 || end >= len(line) || line[end] != '>' {
		return line
	}
	rest := line[end+1:]
	if len(rest) >= 2 && rest[0] >= '1' && rest[0] <= '9' && rest[1] == ' ' {
		rest = rest[2:]
	}
	return rest
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

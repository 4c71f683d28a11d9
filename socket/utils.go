package socket

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

// parseHeartbeat reads the heartbeat query parameter in milliseconds. Absent,
// non-numeric or non-positive values disable heartbeat supervision.
func parseHeartbeat(v string) time.Duration {
	ms, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

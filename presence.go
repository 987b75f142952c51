package probehub

import (
	"context"
	"fmt"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// gopsutilPresence is the production PresenceChecker. It counts
// ESTABLISHED TCP connections whose local port is the session's primary
// port; this host socket-table count is the only client-presence signal
// the supervisor uses.
type gopsutilPresence struct{}

// NewPresenceChecker returns the production, socket-table-backed
// PresenceChecker.
func NewPresenceChecker() PresenceChecker { return gopsutilPresence{} }

func (gopsutilPresence) ClientCount(ctx context.Context, port int) (int, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("reading tcp connection table: %w", err)
	}

	count := 0
	for _, c := range conns {
		if c.Status != "ESTABLISHED" {
			continue
		}
		if int(c.Laddr.Port) != port {
			continue
		}
		count++
	}
	return count, nil
}

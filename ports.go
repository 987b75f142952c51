package probehub

// AllocatedPorts is the deterministic per-probe port set computed by
// C3: port = base + probe_id for each of gdb/telnet/rtt/print.
type AllocatedPorts struct {
	GDB    int
	Telnet int
	RTT    int
	Print  int
}

// Allocate computes the deterministic port set for probeID. Collision-free
// provided probe ids are unique and the configured bases are spaced by at
// least the largest probe id in use (an operator-config concern, not
// something this function can or should enforce at call time).
func (p Ports) Allocate(probeID int) AllocatedPorts {
	return AllocatedPorts{
		GDB:    addBase(p.GDBBase, probeID),
		Telnet: addBase(p.TelnetBase, probeID),
		RTT:    addBase(p.RTTBase, probeID),
		Print:  addBase(p.PrintBase, probeID),
	}
}

func addBase(base, probeID int) int {
	if base == 0 {
		return 0
	}
	return base + probeID
}

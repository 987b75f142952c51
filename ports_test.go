package probehub

import "testing"

func TestPorts_Allocate(t *testing.T) {
	p := Ports{GDBBase: 3330, TelnetBase: 4330, RTTBase: 5330, PrintBase: 6330}

	got := p.Allocate(3)
	want := AllocatedPorts{GDB: 3333, Telnet: 4333, RTT: 5333, Print: 6333}
	if got != want {
		t.Errorf("Allocate(3) = %+v, want %+v", got, want)
	}
}

func TestPorts_Allocate_ZeroBaseStaysUnset(t *testing.T) {
	p := Ports{GDBBase: 3330}
	got := p.Allocate(7)
	if got.GDB != 3337 {
		t.Errorf("GDB port = %d, want 3337", got.GDB)
	}
	if got.Telnet != 0 || got.RTT != 0 || got.Print != 0 {
		t.Errorf("unconfigured bases should stay 0, got %+v", got)
	}
}

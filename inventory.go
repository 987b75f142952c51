package probehub

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// ProbeStatus is the per-probe connectivity record C2 reports to
// /status and /probes/search.
type ProbeStatus struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Interface      string `json:"interface"`
	VID            string `json:"vid"`
	PID            string `json:"pid"`
	Connected      bool   `json:"connected"`
	ObservedSerial string `json:"observed_serial"`
	ExpectedSerial string `json:"expected_serial"`
	Match          string `json:"match"` // "serial", "vid_pid", or "" when not connected
}

// USBDevice is one attached device as seen on the host's USB bus.
type USBDevice struct {
	VID, PID string
	Serial   string
}

// USBEnumerator lists devices currently attached to the host. The
// production implementation (gousbEnumerator) is backed by
// google/gousb (a cgo-free libusb binding); tests supply a fake.
type USBEnumerator interface {
	Enumerate(ctx context.Context) ([]USBDevice, error)
}

type gousbEnumerator struct{}

// NewUSBEnumerator returns the production libusb-backed enumerator.
func NewUSBEnumerator() USBEnumerator { return &gousbEnumerator{} }

func (gousbEnumerator) Enumerate(ctx context.Context) ([]USBDevice, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	var devices []USBDevice
	found, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		// Returning false from the selector still lets OpenDevices report
		// the descriptor; we never need to actually open/claim the
		// device, only read its descriptor fields.
		devices = append(devices, USBDevice{
			VID: fmt.Sprintf("%04x", uint16(desc.Vendor)),
			PID: fmt.Sprintf("%04x", uint16(desc.Product)),
		})
		return false
	})
	for _, d := range found {
		d.Close()
	}
	if err != nil {
		slog.WarnContext(ctx, "gousbEnumerator.Enumerate", "error", err)
	}

	// Serial numbers require opening the device and reading a string
	// descriptor; do a second, deliberate pass so a single permission
	// failure on one probe doesn't blank out the whole inventory.
	devices2, err2 := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err2 != nil {
		slog.WarnContext(ctx, "gousbEnumerator.Enumerate serials", "error", err2)
	}
	bySerialIdx := map[string]string{}
	for _, d := range devices2 {
		serial, serr := d.SerialNumber()
		if serr == nil && serial != "" {
			key := fmt.Sprintf("%04x:%04x", uint16(d.Desc.Vendor), uint16(d.Desc.Product))
			bySerialIdx[key] = serial
		}
		d.Close()
	}
	for i := range devices {
		key := devices[i].VID + ":" + devices[i].PID
		devices[i].Serial = bySerialIdx[key]
	}

	return devices, nil
}

// Inventory joins the configured probe catalog against a live USB
// enumeration (C2).
type Inventory struct {
	cfg  *Config
	enum USBEnumerator
}

// NewInventory builds an Inventory over cfg's probe catalog.
func NewInventory(cfg *Config, enum USBEnumerator) *Inventory {
	return &Inventory{cfg: cfg, enum: enum}
}

// Scan enumerates attached USB devices and returns the per-probe
// status used by /status and /probes/search.
func (inv *Inventory) Scan(ctx context.Context) ([]ProbeStatus, error) {
	devices, err := inv.enum.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating usb devices: %w", err)
	}

	bySerial := map[string]USBDevice{}
	byVIDPID := map[string][]USBDevice{}
	for _, d := range devices {
		if d.Serial != "" {
			bySerial[d.Serial] = d
		}
		key := normHex(d.VID) + ":" + normHex(d.PID)
		byVIDPID[key] = append(byVIDPID[key], d)
	}

	ids := inv.cfg.ProbeIDs()
	out := make([]ProbeStatus, 0, len(ids))
	for _, id := range ids {
		p, _ := inv.cfg.Probe(id)
		status := ProbeStatus{
			ID:             p.ID,
			Name:           p.Name,
			Interface:      p.Interface,
			VID:            normHex(p.VID),
			PID:            normHex(p.PID),
			ExpectedSerial: p.Serial,
		}

		if p.Serial != "" {
			if d, ok := bySerial[p.Serial]; ok {
				status.Connected = true
				status.ObservedSerial = d.Serial
				status.Match = "serial"
				out = append(out, status)
				continue
			}
		}

		key := normHex(p.VID) + ":" + normHex(p.PID)
		if ds := byVIDPID[key]; len(ds) > 0 {
			status.Connected = true
			status.ObservedSerial = ds[0].Serial
			status.Match = "vid_pid"
		}
		out = append(out, status)
	}
	return out, nil
}

// normHex lowercases a VID/PID string and strips an optional 0x prefix
// so hex case never affects matching (§8 invariant).
func normHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}

// SearchFilter is the AND-combined filter set for /probes/search.
type SearchFilter struct {
	Interface string
	VID       string
	PID       string
	Serial    string
	Name      string
}

func (f SearchFilter) empty() bool {
	return f.Interface == "" && f.VID == "" && f.PID == "" && f.Serial == "" && f.Name == ""
}

// Search filters a status list by SearchFilter, AND-combining every
// non-empty field (§4.2).
func Search(statuses []ProbeStatus, f SearchFilter) []ProbeStatus {
	var out []ProbeStatus
	for _, s := range statuses {
		if f.Interface != "" && s.Interface != f.Interface {
			continue
		}
		if f.VID != "" && s.VID != normHex(f.VID) {
			continue
		}
		if f.PID != "" && s.PID != normHex(f.PID) {
			continue
		}
		if f.Serial != "" && s.ExpectedSerial != f.Serial && s.ObservedSerial != f.Serial {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.Name)) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ParseVIDPID normalizes a caller-supplied hex string, accepted with or
// without a "0x" prefix, rejecting anything non-hex.
func ParseVIDPID(s string) (string, error) {
	s = normHex(s)
	if s == "" {
		return "", nil
	}
	if _, err := strconv.ParseUint(s, 16, 32); err != nil {
		return "", fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return s, nil
}

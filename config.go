// Package probehub implements the dispatch and session engine for the
// Debug Probe Hub: configuration-driven routing of flash/debug/print
// requests onto a fixed pool of USB debug probes, each mediated by a
// per-probe exclusive lock and a lazily-started toolchain container.
package probehub

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is one of the three kinds of work a dispatch can request.
type Mode string

const (
	ModeFlash Mode = "flash"
	ModeDebug Mode = "debug"
	ModePrint Mode = "print"
)

func (m Mode) valid() bool {
	switch m {
	case ModeFlash, ModeDebug, ModePrint:
		return true
	}
	return false
}

// Container is a toolchain container descriptor: one image, many
// probes, one live container per (image, probe) pair.
type Container struct {
	Image       string `yaml:"image"`
	BuildContext string `yaml:"build_context,omitempty"`
	// NamePattern defaults to "<key>-p{probe_id}" when empty.
	NamePattern string `yaml:"name_pattern,omitempty"`
}

// Probe is a physical USB debug adapter entry from the static catalog.
type Probe struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	Serial     string `yaml:"serial"`
	VID        string `yaml:"vid"`
	PID        string `yaml:"pid"`
	Interface  string `yaml:"interface"`
	DeviceNode string `yaml:"device_node,omitempty"`
	UARTBaud   int    `yaml:"uart_baud,omitempty"`
}

// DefaultUARTBaud is used for {uart_baud} rendering when a probe's
// config doesn't set one explicitly.
const DefaultUARTBaud = 115200

// TransportPolicy constrains which on-wire transport a (target,
// interface) pair may use.
type TransportPolicy struct {
	Default string   `yaml:"default"`
	Allowed []string `yaml:"allowed"`
}

func (p TransportPolicy) isAllowed(t string) bool {
	for _, a := range p.Allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Target is a named MCU family.
type Target struct {
	Description      string                       `yaml:"description"`
	Containers       map[string]string             `yaml:"containers"`
	CompatibleProbes map[Mode][]string             `yaml:"compatible_probes"`
	Transports       map[string]TransportPolicy    `yaml:"transports,omitempty"`
	Commands         map[string]map[Mode]string    `yaml:"commands,omitempty"`
}

// Ports holds the base port numbers C3 adds the probe id to.
type Ports struct {
	GDBBase    int `yaml:"gdb_base"`
	TelnetBase int `yaml:"telnet_base"`
	RTTBase    int `yaml:"rtt_base"`
	PrintBase  int `yaml:"print_base"`
}

// Config is the fully parsed, validated, immutable hardware/target
// catalog (C1). Construct one via Load; never mutate a Config after
// validation succeeds.
type Config struct {
	Containers        map[string]Container                  `yaml:"containers"`
	Probes            []Probe                                `yaml:"probes"`
	Targets           map[string]Target                      `yaml:"targets"`
	InterfaceDefaults map[string]map[Mode]string              `yaml:"interface_defaults"`
	Ports             Ports                                   `yaml:"ports"`

	probesByID map[int]Probe
}

var hexRE = regexp.MustCompile(`^(0x)?[0-9a-fA-F]+$`)

// Load reads, parses and validates the declarative config document at
// path. The returned Config is immutable: Resolve and the lookup
// helpers never mutate it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.probesByID = make(map[int]Probe, len(c.Probes))
	ifaceSeen := map[string]bool{}
	for _, p := range c.Probes {
		if _, dup := c.probesByID[p.ID]; dup {
			return fmt.Errorf("duplicate probe id %d", p.ID)
		}
		if !hexRE.MatchString(p.VID) || !hexRE.MatchString(p.PID) {
			return fmt.Errorf("probe %d: malformed vid/pid %q/%q", p.ID, p.VID, p.PID)
		}
		c.probesByID[p.ID] = p
		ifaceSeen[p.Interface] = true
	}

	for name, t := range c.Targets {
		for iface, containerKey := range t.Containers {
			if !ifaceSeen[iface] {
				return fmt.Errorf("target %s: references undefined interface %q (no configured probe has it)", name, iface)
			}
			if _, ok := c.Containers[containerKey]; !ok {
				return fmt.Errorf("target %s: interface %s references undefined container %q", name, iface, containerKey)
			}
		}
		for mode, ifaces := range t.CompatibleProbes {
			if !mode.valid() {
				return fmt.Errorf("target %s: unknown mode %q in compatible_probes", name, mode)
			}
			for _, iface := range ifaces {
				if !ifaceSeen[iface] {
					return fmt.Errorf("target %s: compatible_probes[%s] references undefined interface %q (no configured probe has it)", name, mode, iface)
				}
				if _, ok := t.Commands[iface][mode]; ok {
					continue
				}
				if _, ok := c.InterfaceDefaults[iface][mode]; ok {
					continue
				}
				return fmt.Errorf("target %s: interface %s has no command for mode %s (target-local or interface_defaults)", name, iface, mode)
			}
		}
		for iface, policy := range t.Transports {
			if !ifaceSeen[iface] {
				return fmt.Errorf("target %s: transports references undefined interface %q (no configured probe has it)", name, iface)
			}
			if policy.Default != "" && !policy.isAllowed(policy.Default) {
				return fmt.Errorf("target %s: interface %s default transport %q not in allowed list", name, iface, policy.Default)
			}
		}
	}

	if c.Ports.GDBBase == 0 && c.Ports.TelnetBase == 0 && c.Ports.RTTBase == 0 && c.Ports.PrintBase == 0 {
		return fmt.Errorf("ports: at least one base must be configured")
	}

	return nil
}

// Probe returns the configured probe by id, or false.
func (c *Config) Probe(id int) (Probe, bool) {
	p, ok := c.probesByID[id]
	return p, ok
}

// ProbeIDs returns all configured probe ids, sorted.
func (c *Config) ProbeIDs() []int {
	ids := make([]int, 0, len(c.probesByID))
	for id := range c.probesByID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Target returns the named target, or false.
func (c *Config) Target(name string) (Target, bool) {
	t, ok := c.Targets[name]
	return t, ok
}

// ContainerFor resolves the container descriptor key a (target,
// interface) pair should run in.
func (c *Config) ContainerFor(target Target, iface string) (string, Container, bool) {
	key, ok := target.Containers[iface]
	if !ok {
		return "", Container{}, false
	}
	cont, ok := c.Containers[key]
	return key, cont, ok
}

// CompatibleInterface reports whether iface is listed as compatible
// with mode for target.
func CompatibleInterface(target Target, mode Mode, iface string) bool {
	for _, i := range target.CompatibleProbes[mode] {
		if i == iface {
			return true
		}
	}
	return false
}

// ResolveCommand returns the effective command template for
// (target, interface, mode): target-local override takes precedence
// over interface_defaults.
func (c *Config) ResolveCommand(target Target, iface string, mode Mode) (string, error) {
	if tmpl, ok := target.Commands[iface][mode]; ok {
		return tmpl, nil
	}
	if tmpl, ok := c.InterfaceDefaults[iface][mode]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("no command template for interface=%s mode=%s", iface, mode)
}

// ResolveTransport picks the transport for a (target, interface)
// dispatch: the requested transport if supplied and allowed, else the
// policy default. An empty policy is only valid when the rendered
// template never references {transport}, which Render enforces.
func ResolveTransport(target Target, iface, requested string) (string, error) {
	policy, hasPolicy := target.Transports[iface]
	if requested != "" {
		if !hasPolicy || !policy.isAllowed(requested) {
			return "", fmt.Errorf("transport %q not allowed for interface %s", requested, iface)
		}
		return requested, nil
	}
	if hasPolicy {
		return policy.Default, nil
	}
	return "", nil
}

// NameForContainer renders the container descriptor's name pattern
// (or the default "<key>-p<probeId>") for the given probe id.
func NameForContainer(key string, cont Container, probeID int) string {
	if cont.NamePattern != "" {
		return strings.ReplaceAll(cont.NamePattern, "{probe_id}", strconv.Itoa(probeID))
	}
	return fmt.Sprintf("%s-p%d", key, probeID)
}

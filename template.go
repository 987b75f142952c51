package probehub

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TemplateValues carries the closed set of placeholders a command
// template may reference. An empty string field is "unset"; Render
// fails closed if the template references a placeholder whose field
// is unset, per spec §3 "Command template".
type TemplateValues struct {
	Serial       string
	GDBPort      int
	TelnetPort   int
	RTTPort      int
	PrintPort    int
	FirmwarePath string
	DevicePath   string
	Transport    string
	UARTBaud     int
}

var placeholderRE = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render substitutes every {placeholder} in tmpl with the corresponding
// field of v. It never interpolates arbitrary environment variables:
// the placeholder set is closed to the fields of TemplateValues.
func Render(tmpl string, v TemplateValues) (string, error) {
	var outerErr error
	out := placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		val, ok := lookupPlaceholder(name, v)
		if !ok {
			outerErr = &HubError{Kind: ErrTemplateError, Err: fmt.Errorf("unknown placeholder {%s}", name)}
			return m
		}
		if val == "" {
			outerErr = &HubError{Kind: ErrTemplateError, Err: fmt.Errorf("placeholder {%s} has no value for this request", name)}
			return m
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}

// References reports whether tmpl mentions placeholder name, used by
// /targets to report each template's placeholder set.
func References(tmpl, name string) bool {
	return strings.Contains(tmpl, "{"+name+"}")
}

func lookupPlaceholder(name string, v TemplateValues) (string, bool) {
	switch name {
	case "serial":
		return v.Serial, true
	case "gdb_port":
		return intOrEmpty(v.GDBPort), true
	case "telnet_port":
		return intOrEmpty(v.TelnetPort), true
	case "rtt_port":
		return intOrEmpty(v.RTTPort), true
	case "print_port":
		return intOrEmpty(v.PrintPort), true
	case "firmware_path":
		return v.FirmwarePath, true
	case "device_path":
		return v.DevicePath, true
	case "transport":
		return v.Transport, true
	case "uart_baud":
		return intOrEmpty(v.UARTBaud), true
	default:
		return "", false
	}
}

func intOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

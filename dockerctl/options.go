// Package dockerctl builds CLI argument slices for the external "docker"
// binary from typed option structs, the same struct-tag-driven approach
// the teacher's options package uses for the "container" CLI.
package dockerctl

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// ExecOptions are the flags passed to "docker exec" when running a
// command inside an already-running toolchain container.
type ExecOptions struct {
	// Detach runs the command in the background and returns immediately.
	Detach bool `flag:"--detach"`
	// Env sets environment variables visible to the exec'd process.
	Env map[string]string `flag:"--env"`
	// WorkDir sets the working directory inside the container.
	WorkDir string `flag:"--workdir"`
	// TTY allocates a pseudo-terminal for the exec'd process.
	TTY bool `flag:"--tty"`
	// Interactive keeps STDIN open even if not attached.
	Interactive bool `flag:"--interactive"`
}

// ComposeUpOptions are the flags passed to "docker compose up".
type ComposeUpOptions struct {
	// Detach runs containers in the background.
	Detach bool `flag:"-d"`
	// NoDeps skips starting linked services.
	NoDeps bool `flag:"--no-deps"`
	// RemoveOrphans removes containers for services not in the compose file.
	RemoveOrphans bool `flag:"--remove-orphans"`
}

// RunOptions are the flags for "docker run" when a container descriptor
// has no compose file and must be created directly. Every container
// runs privileged with /dev bind-mounted per spec §6; the manager never
// grants further privileges than these options express.
type RunOptions struct {
	Name       string            `flag:"--name"`
	Privileged bool              `flag:"--privileged"`
	Volume     []string          `flag:"--volume"`
	Env        map[string]string `flag:"--env"`
	Detach     bool              `flag:"--detach"`
	Restart    string            `flag:"--restart"`
}

// ToArgs flattens a typed option struct into CLI arguments using its
// `flag` struct tags, skipping zero-valued fields so callers only pay
// for what they set.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)

	for i := range st.NumField() {
		field := st.Field(i)
		fv := sv.Field(i)

		flagName, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}

		if fv.IsZero() {
			continue
		}

		switch field.Type.Kind() {
		case reflect.Bool:
			ret = append(ret, flagName)
		case reflect.Slice, reflect.Array:
			for i := 0; i < fv.Len(); i++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(i)))
			}
		case reflect.Map:
			m := fv.Interface().(map[string]string)
			keys := slices.Sorted(maps.Keys(m))
			for _, k := range keys {
				ret = append(ret, flagName, fmt.Sprintf("%s=%s", k, m[k]))
			}
		default:
			ret = append(ret, flagName, strings.TrimSpace(fmt.Sprintf("%v", fv.Interface())))
		}
	}
	return ret
}

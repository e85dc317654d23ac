package names

import (
	"strings"
)

// Remappings maps a source name to a replacement.
// Keys starting with "__" are reserved for node-level settings
// (__name, __ns, __master, __hostname, __ip, __log).
type Remappings map[string]string

const remapOperator = ":="

// GetRemappings splits args into remapping arguments (key:=value) and the
// remaining arguments, in order. Later occurrences of a key override
// earlier ones.
func GetRemappings(args []string) (remappings Remappings, rest []string) {
	remappings = make(Remappings)
	for _, arg := range args {
		i := strings.Index(arg, remapOperator)
		if i <= 0 {
			rest = append(rest, arg)
			continue
		}
		key, value := arg[:i], arg[i+len(remapOperator):]
		remappings[key] = value
	}
	return remappings, rest
}

// Reserved reports whether key is a node-level setting rather than a
// graph name remapping.
func Reserved(key string) bool {
	return strings.HasPrefix(key, "__")
}

func (r Remappings) Get(key string) (string, bool) {
	v, ok := r[key]
	return v, ok
}

func (r Remappings) lookupGraph(id Identity, resolved string) (string, bool) {
	for from, to := range r {
		// _param:=value arguments set private parameters
		if strings.HasPrefix(from, "_") {
			continue
		}
		fromResolved, err := resolveRaw(id, from)
		if err != nil || fromResolved != resolved {
			continue
		}
		toResolved, err := resolveRaw(id, to)
		if err != nil {
			continue
		}
		return toResolved, true
	}
	return "", false
}

func resolveRaw(id Identity, name string) (string, error) {
	return ResolveGraphName(id, name, nil)
}

package names

import (
	"strings"
	"unicode"
)

func validateChars(s string) error {
	for i, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || r == '_'):
		case unicode.IsDigit(r) && i > 0:
		default:
			return &InvalidNameError{Name: s, Reason: "illegal character " + string(r)}
		}
	}
	return nil
}

// Validate checks that name is a well-formed graph resource name.
// Each path segment must start with a letter or underscore and may
// contain letters, digits and underscores. A leading / or ~ is allowed.
func Validate(name string) error {
	if name == "" {
		return nil
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(name, PrivateMarker), Separator)
	rest = strings.TrimSuffix(rest, Separator)
	if rest == "" {
		return nil
	}
	for _, seg := range strings.Split(rest, Separator) {
		if seg == "" {
			return &InvalidNameError{Name: name, Reason: "empty path segment"}
		}
		if err := validateChars(seg); err != nil {
			return &InvalidNameError{Name: name, Reason: err.(*InvalidNameError).Reason}
		}
	}
	return nil
}

// CleanNamespace returns ns in canonical form: leading separator,
// no trailing separator, "/" for the root namespace.
func CleanNamespace(ns string) string {
	ns = strings.Trim(ns, Separator)
	return Separator + ns
}

func Join(ns, name string) string {
	ns = CleanNamespace(ns)
	if ns == Separator {
		return Separator + name
	}
	return ns + Separator + name
}

// Parent returns the namespace containing the fully qualified name.
func Parent(name string) string {
	i := strings.LastIndex(name, Separator)
	if i <= 0 {
		return Separator
	}
	return name[:i]
}

// ResolveGraphName resolves a topic, service or parameter name relative to
// the node identity and applies non-reserved remappings to the result.
func ResolveGraphName(id Identity, name string, remappings Remappings) (string, error) {
	if name == "" {
		return "", &InvalidNameError{Name: name, Reason: "empty graph name"}
	}
	if err := Validate(name); err != nil {
		return "", err
	}
	var resolved string
	switch {
	case strings.HasPrefix(name, Separator):
		resolved = name
	case strings.HasPrefix(name, PrivateMarker):
		resolved = id.Name + Separator + strings.TrimPrefix(strings.TrimPrefix(name, PrivateMarker), Separator)
	default:
		resolved = Join(id.Namespace, name)
	}
	resolved = Separator + strings.Trim(resolved, Separator)
	if to, ok := remappings.lookupGraph(id, resolved); ok {
		return to, nil
	}
	return resolved, nil
}

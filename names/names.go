// Package names resolves node and graph resource names.
//
// A node name is a simple identifier that is qualified with the node's
// namespace. Graph resource names (topics, services, parameters) may be
// relative (foo), global (/foo) or private (~foo).
package names

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Separator     = "/"
	PrivateMarker = "~"

	// RemapName and RemapNamespace override the node name and namespace
	// passed by the caller.
	RemapName      = "__name"
	RemapNamespace = "__ns"

	// MaxAnonymousSuffixLen caps the anonymizing suffix, including its
	// leading underscore. The base name is never truncated. A suffix built
	// from an int64 nanosecond count is at most 20 bytes and never hits it.
	MaxAnonymousSuffixLen = 201
)

type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid name %q: %s", e.Name, e.Reason)
}

// Identity is the resolved identity of a node.
type Identity struct {
	// Name is fully qualified, e.g. /robot/talker
	Name      string
	Namespace string
}

var processStart = time.Now()

// ProcessUptime is the default uptime source for anonymous names.
func ProcessUptime() time.Duration {
	return time.Since(processStart)
}

type Options struct {
	Anonymous bool
	// Uptime provides the anonymizing suffix. Defaults to ProcessUptime.
	Uptime func() time.Duration
}

// Resolve qualifies rawName with namespace. Entries in remappings for
// RemapName and RemapNamespace take precedence over the arguments.
//
// For a fixed Options.Uptime, Resolve is a pure function of its inputs.
func Resolve(namespace, rawName string, remappings Remappings, opts Options) (string, error) {
	name := rawName
	disableAnon := false
	if n, ok := remappings[RemapName]; ok {
		name = n
		disableAnon = true
	}
	if ns, ok := remappings[RemapNamespace]; ok {
		namespace = ns
	}

	if name == "" {
		return "", &InvalidNameError{Name: name, Reason: "node name must not be empty"}
	}
	if strings.Contains(name, Separator) {
		return "", &InvalidNameError{Name: name, Reason: "node name must not contain " + Separator}
	}
	if strings.Contains(name, PrivateMarker) {
		return "", &InvalidNameError{Name: name, Reason: "node name must not contain " + PrivateMarker}
	}
	if err := validateChars(name); err != nil {
		return "", err
	}

	namespace = CleanNamespace(namespace)
	if err := Validate(namespace); err != nil {
		return "", err
	}
	full := Join(namespace, name)

	if opts.Anonymous && !disableAnon {
		uptime := opts.Uptime
		if uptime == nil {
			uptime = ProcessUptime
		}
		suffix := "_" + strconv.FormatInt(uptime().Nanoseconds(), 10)
		if len(suffix) > MaxAnonymousSuffixLen {
			suffix = suffix[:MaxAnonymousSuffixLen]
		}
		full += suffix
	}
	return full, nil
}

// ResolveIdentity is Resolve returning the node's Identity.
func ResolveIdentity(namespace, rawName string, remappings Remappings, opts Options) (Identity, error) {
	full, err := Resolve(namespace, rawName, remappings, opts)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: full, Namespace: Parent(full)}, nil
}

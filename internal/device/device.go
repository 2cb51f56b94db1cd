// Package device implements the device classifier and privilege
// transitions from spec §4.5: canonicalising and classifying a device
// path into {evdev, drm, hidraw, wscons}, and activating/deactivating
// the type-specific privileged capability in lockstep with seat
// activation.
package device

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type is the classified device kind.
type Type int

const (
	// Unknown is never a valid classification result; Classify returns
	// it only alongside an error.
	Unknown Type = iota
	Evdev
	DRM
	Hidraw
	Wscons
)

func (t Type) String() string {
	switch t {
	case Evdev:
		return "evdev"
	case DRM:
		return "drm"
	case Hidraw:
		return "hidraw"
	case Wscons:
		return "wscons"
	default:
		return "unknown"
	}
}

// Reactivatable reports whether a device of this type can be
// reactivated after being deactivated (spec §4.5 table and §9: evdev
// and hidraw revokes are terminal, drm and wscons are not).
func (t Type) Reactivatable() bool {
	return t == DRM || t == Wscons
}

var prefixes = []struct {
	prefix string
	typ    Type
}{
	{"/dev/input/event", Evdev},
	{"/dev/dri/card", DRM},
	{"/dev/dri/renderD", DRM},
	{"/dev/drm/", DRM},
	{"/dev/hidraw", Hidraw},
	{"/dev/ttyE", Wscons},
	{"/dev/wskbd", Wscons},
	{"/dev/wsmouse", Wscons},
	{"/dev/wsmux", Wscons},
}

// ErrNotClassified is returned by Classify when path matches none of the
// recognised device-node prefixes.
var ErrNotClassified = fmt.Errorf("device: path does not match a known device class")

// Classify maps an already-canonicalised absolute path to a Type.
func Classify(canonicalPath string) (Type, error) {
	for _, p := range prefixes {
		if strings.HasPrefix(canonicalPath, p.prefix) {
			return p.typ, nil
		}
	}
	return Unknown, ErrNotClassified
}

// ErrEscapesDev is returned by Canonicalize when symlink resolution
// would place the path outside /dev.
var ErrEscapesDev = fmt.Errorf("device: path resolves outside /dev")

// Canonicalize resolves symlinks in path and verifies the result remains
// lexically under /dev, per spec §4.5 ("reject paths that escape /dev/").
func Canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("device: resolve %s: %w", path, err)
	}
	resolved = filepath.Clean(resolved)
	if resolved != "/dev" && !strings.HasPrefix(resolved, "/dev/") {
		return "", ErrEscapesDev
	}
	return resolved, nil
}

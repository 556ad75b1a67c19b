package schema

import (
	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/ghalamif/fleetlog/internal/domain"
)

// Compatibility of an incoming version relative to the local one.
type Compatibility int

const (
	Current Compatibility = iota
	Older
	Newer
)

func (c Compatibility) String() string {
	switch c {
	case Current:
		return "current"
	case Older:
		return "older"
	default:
		return "newer"
	}
}

// Manager gates folding on the report schema version. Once it has seen a
// newer version it stays incompatible for the rest of its life.
type Manager struct {
	current      *semver.Version
	incompatible bool
}

func NewManager(current string) (*Manager, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return nil, errors.Wrapf(err, "local schema version %q", current)
	}
	return &Manager{current: v}, nil
}

// Classify compares version with the local schema version. Versions that do
// not parse cannot be proven compatible and count as newer.
func (m *Manager) Classify(version string) Compatibility {
	c := Classify(m.current, version)
	if c == Newer {
		m.incompatible = true
	}
	return c
}

func (m *Manager) Compatible() bool { return !m.incompatible }

// State is the value stamped into the state document's schema_state field.
func (m *Manager) State() string {
	if m.incompatible {
		return domain.SchemaStateIncompatible
	}
	return domain.SchemaStateAccepted
}

func (m *Manager) Version() string { return m.current.Original() }

// Classify is the stateless form of Manager.Classify.
func Classify(current *semver.Version, version string) Compatibility {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Newer
	}
	switch v.Compare(current) {
	case 0:
		return Current
	case -1:
		return Older
	default:
		return Newer
	}
}

// Less reports whether version a sorts strictly before b. Unparseable
// versions never sort before anything.
func Less(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.LessThan(vb)
}

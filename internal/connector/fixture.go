package connector

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provsync/internal/ir"
)

// Fixture is the YAML form of a Memory connector's state.
//
//	objects:
//	  user:
//	    - uid: ada
//	      attributes: {cn: Ada, mail: ada@example.com}
//	journal_base: 0
//	journal:
//	  - {entity_type: user, kind: UPSERT, uid: ada, attributes: {cn: Ada}}
type Fixture struct {
	Objects     map[string][]FixtureObject `yaml:"objects"`
	JournalBase int                        `yaml:"journal_base,omitempty"`
	Journal     []FixtureChange            `yaml:"journal,omitempty"`
}

// FixtureObject is one stored object.
type FixtureObject struct {
	UID        string         `yaml:"uid"`
	Attributes map[string]any `yaml:"attributes"`
}

// FixtureChange is one journal entry.
type FixtureChange struct {
	EntityType string         `yaml:"entity_type"`
	Kind       ChangeKind     `yaml:"kind"`
	UID        string         `yaml:"uid"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// ParseFixture decodes a fixture with strict field checking.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return &f, nil
}

// LoadMemory builds a Memory connector from a fixture file. Objects listed
// without a journal are journaled as initial upserts.
func LoadMemory(systemID, path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewMemoryFromFixture(systemID, f)
}

// NewMemoryFromFixture builds a Memory connector from decoded fixture data.
func NewMemoryFromFixture(systemID string, f *Fixture) (*Memory, error) {
	m := NewMemory(systemID)
	types := make([]string, 0, len(f.Objects))
	for entityType := range f.Objects {
		types = append(types, entityType)
	}
	slices.Sort(types)

	for _, entityType := range types {
		for i, obj := range f.Objects[entityType] {
			attrs, err := ir.AttrsFromMap(obj.Attributes)
			if err != nil {
				return nil, fmt.Errorf("objects.%s[%d]: %w", entityType, i, err)
			}
			if obj.UID == "" {
				return nil, fmt.Errorf("objects.%s[%d]: uid is required", entityType, i)
			}
			m.store(entityType, obj.UID, attrs)
		}
	}

	if len(f.Journal) > 0 || f.JournalBase > 0 {
		m.journal = nil
		m.base = f.JournalBase
		for i, c := range f.Journal {
			attrs, err := ir.AttrsFromMap(c.Attributes)
			if err != nil {
				return nil, fmt.Errorf("journal[%d]: %w", i, err)
			}
			if c.Kind != ChangeUpsert && c.Kind != ChangeDelete {
				return nil, fmt.Errorf("journal[%d]: unknown kind %q", i, c.Kind)
			}
			m.journal = append(m.journal, journalEntry{
				entityType: c.EntityType,
				change:     Change{Kind: c.Kind, Object: RemoteObject{UID: c.UID, Attributes: attrs}},
			})
		}
	}
	return m, nil
}

// Fixture returns the current state in fixture form.
func (m *Memory) Fixture() *Fixture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fixture()
}

func (m *Memory) fixture() *Fixture {
	f := &Fixture{Objects: make(map[string][]FixtureObject), JournalBase: m.base}
	for entityType, byUID := range m.objects {
		uids := make([]string, 0, len(byUID))
		for uid := range byUID {
			uids = append(uids, uid)
		}
		slices.Sort(uids)
		for _, uid := range uids {
			f.Objects[entityType] = append(f.Objects[entityType], FixtureObject{
				UID:        uid,
				Attributes: ir.ToAny(byUID[uid]).(map[string]any),
			})
		}
	}
	for _, e := range m.journal {
		c := FixtureChange{EntityType: e.entityType, Kind: e.change.Kind, UID: e.change.Object.UID}
		if len(e.change.Object.Attributes) > 0 {
			c.Attributes = ir.ToAny(e.change.Object.Attributes).(map[string]any)
		}
		f.Journal = append(f.Journal, c)
	}
	return f
}

// PersistTo makes every successful mutation rewrite the fixture at path.
func (m *Memory) PersistTo(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = path
}

// save writes the fixture when persistence is on. Caller holds mu.
func (m *Memory) save() error {
	if m.persist == "" {
		return nil
	}
	data, err := yaml.Marshal(m.fixture())
	if err != nil {
		return Unavailable("persist", m.system, err)
	}
	tmp := m.persist + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Unavailable("persist", m.system, err)
	}
	if err := os.Rename(tmp, m.persist); err != nil {
		return Unavailable("persist", m.system, err)
	}
	return nil
}

// MemoryFactory builds Memory connectors from system settings:
//
//	fixture: path to a fixture file (optional; missing files start empty)
//	persist: write state back to the fixture after every mutation
//	delta:   false hides the delta capability
func MemoryFactory(sys ir.System) (Connector, error) {
	path := ir.AsString(sys.Settings["fixture"])
	m := NewMemory(sys.ID)
	if path != "" {
		loaded, err := LoadMemory(sys.ID, path)
		switch {
		case err == nil:
			m = loaded
		case errors.Is(err, fs.ErrNotExist) && isTrue(sys.Settings["persist"]):
		default:
			return nil, err
		}
		if isTrue(sys.Settings["persist"]) {
			m.PersistTo(path)
		}
	}
	if d, ok := sys.Settings["delta"]; ok && !isTrue(d) {
		return WithoutDelta(m), nil
	}
	return m, nil
}

func isTrue(v ir.Value) bool {
	switch val := v.(type) {
	case ir.Bool:
		return bool(val)
	case ir.Str:
		return strings.EqualFold(string(val), "true")
	}
	return false
}

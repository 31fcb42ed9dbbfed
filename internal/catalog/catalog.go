package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/roach88/provsync/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// Catalog is a decoded catalog in store form. Slices are in apply order.
type Catalog struct {
	Systems              []ir.System
	Roles                []ir.Role
	RoleSystems          []ir.RoleSystem
	RoleSystemAttributes []ir.RoleSystemAttribute
	Mappings             []ir.AttributeMapping
	BreakConfigs         []ir.BreakConfig
	SyncConfigs          []ir.SyncConfig
	Accounts             []Account
}

// Account is a seed account together with the roles granted to it.
type Account struct {
	Account    ir.Account
	IdentityID string
	Roles      []string
}

// LoadError reports a catalog that could not be read or does not satisfy
// the schema. Pos is empty when the error has no source position.
type LoadError struct {
	Pos     string
	Message string
}

func (e *LoadError) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("%s: %s", e.Pos, e.Message)
	}
	return e.Message
}

// Load reads every CUE file of the package in dir.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("catalog directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Message: fmt.Sprintf("not a directory: %s", dir)}
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, &LoadError{Message: fmt.Sprintf("scanning %s: %v", dir, err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueError("loading CUE files", inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, cueError("building CUE value", err)
	}
	return decode(ctx, v)
}

// Parse decodes a catalog from a single CUE source. filename is used in
// error positions only.
func Parse(src []byte, filename string) (*Catalog, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueError("compiling CUE", err)
	}
	return decode(ctx, v)
}

// raw mirrors the schema for decoding.
type raw struct {
	Systems  map[string]rawSystem               `json:"systems"`
	Roles    map[string]rawRole                 `json:"roles"`
	Mappings map[string]map[string][]rawMapping `json:"mappings"`
	Breakers []rawBreaker                       `json:"breakers"`
	Syncs    map[string]rawSync                 `json:"syncs"`
	Accounts []rawAccount                       `json:"accounts"`
}

type rawSystem struct {
	Connector string         `json:"connector"`
	Settings  map[string]any `json:"settings"`
}

type rawRole struct {
	Priority int        `json:"priority"`
	Grants   []rawGrant `json:"grants"`
}

type rawGrant struct {
	System     string             `json:"system"`
	EntityType string             `json:"entity_type"`
	Attributes []rawRoleAttribute `json:"attributes"`
}

type rawRoleAttribute struct {
	RemoteAttr string `json:"remote_attr"`
	Value      any    `json:"value"`
	Transform  string `json:"transform"`
	Priority   int    `json:"priority"`
}

type rawMapping struct {
	Remote          string `json:"remote"`
	Internal        string `json:"internal"`
	Direction       string `json:"direction"`
	UID             bool   `json:"uid"`
	Transform       string `json:"transform"`
	ClearWhenAbsent bool   `json:"clear_when_absent"`
}

type rawBreaker struct {
	System     string         `json:"system"`
	Kind       string         `json:"kind"`
	Threshold  int            `json:"threshold"`
	Window     string         `json:"window"`
	Cooldown   string         `json:"cooldown"`
	Disabled   bool           `json:"disabled"`
	Recipients []rawRecipient `json:"recipients"`
}

type rawRecipient struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

type rawSync struct {
	System        string         `json:"system"`
	EntityType    string         `json:"entity_type"`
	Filter        map[string]any `json:"filter"`
	Authoritative string         `json:"authoritative"`
	Reactions     rawReactions   `json:"reactions"`
	Hierarchical  bool           `json:"hierarchical"`
	ParentAttr    string         `json:"parent_attr"`
	Delta         bool           `json:"delta"`
	Enabled       bool           `json:"enabled"`
}

type rawReactions struct {
	CreateEntity  string `json:"create_entity"`
	UpdateEntity  string `json:"update_entity"`
	MissingEntity string `json:"missing_entity"`
}

type rawAccount struct {
	System     string         `json:"system"`
	EntityType string         `json:"entity_type"`
	UID        string         `json:"uid"`
	Identity   string         `json:"identity"`
	Roles      []string       `json:"roles"`
	Enabled    bool           `json:"enabled"`
	Attributes map[string]any `json:"attributes"`
}

func decode(ctx *cue.Context, v cue.Value) (*Catalog, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError("compiling schema", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError("catalog does not match schema", err)
	}

	var r raw
	if err := unified.Decode(&r); err != nil {
		return nil, cueError("decoding catalog", err)
	}
	return r.convert()
}

// convert builds store records with IDs derived from catalog names.
func (r raw) convert() (*Catalog, error) {
	c := &Catalog{}

	for _, name := range sortedKeys(r.Systems) {
		s := r.Systems[name]
		settings, err := ir.AttrsFromMap(s.Settings)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("systems.%s.settings: %v", name, err)}
		}
		c.Systems = append(c.Systems, ir.System{ID: name, Name: name, ConnectorType: s.Connector, Settings: settings})
	}

	var seq int64
	for _, name := range sortedKeys(r.Roles) {
		role := r.Roles[name]
		c.Roles = append(c.Roles, ir.Role{ID: name, Name: name, Priority: role.Priority})
		for gi, g := range role.Grants {
			rs := ir.RoleSystem{
				ID:         RoleSystemID(name, g.System, g.EntityType),
				RoleID:     name,
				SystemID:   g.System,
				EntityType: g.EntityType,
			}
			c.RoleSystems = append(c.RoleSystems, rs)
			for ai, a := range g.Attributes {
				value, err := ir.FromAny(a.Value)
				if err != nil {
					return nil, &LoadError{Message: fmt.Sprintf("roles.%s.grants[%d].attributes[%d]: %v", name, gi, ai, err)}
				}
				seq++
				c.RoleSystemAttributes = append(c.RoleSystemAttributes, ir.RoleSystemAttribute{
					ID:           fmt.Sprintf("%s#%d", rs.ID, ai),
					RoleSystemID: rs.ID,
					RemoteAttr:   a.RemoteAttr,
					Value:        value,
					Transform:    a.Transform,
					Priority:     a.Priority,
					Seq:          seq,
				})
			}
		}
	}

	for _, system := range sortedKeys(r.Mappings) {
		for _, entityType := range sortedKeys(r.Mappings[system]) {
			for _, m := range r.Mappings[system][entityType] {
				c.Mappings = append(c.Mappings, ir.AttributeMapping{
					ID:              system + "/" + entityType + "/" + m.Remote,
					SystemID:        system,
					EntityType:      entityType,
					RemoteAttr:      m.Remote,
					InternalAttr:    m.Internal,
					Direction:       ir.Direction(m.Direction),
					UID:             m.UID,
					Transform:       m.Transform,
					ClearWhenAbsent: m.ClearWhenAbsent,
				})
			}
		}
	}

	for i, b := range r.Breakers {
		window, err := time.ParseDuration(b.Window)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("breakers[%d].window: %v", i, err)}
		}
		cooldown, err := time.ParseDuration(b.Cooldown)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("breakers[%d].cooldown: %v", i, err)}
		}
		id := b.System
		if b.Kind != "" {
			id += "/" + b.Kind
		}
		cfg := ir.BreakConfig{
			ID:        id,
			SystemID:  b.System,
			Kind:      ir.OperationKind(b.Kind),
			Threshold: b.Threshold,
			Window:    window,
			Cooldown:  cooldown,
			Disabled:  b.Disabled,
		}
		for _, rcpt := range b.Recipients {
			cfg.Recipients = append(cfg.Recipients, ir.BreakRecipient{Kind: rcpt.Kind, Target: rcpt.Target})
		}
		c.BreakConfigs = append(c.BreakConfigs, cfg)
	}

	for _, name := range sortedKeys(r.Syncs) {
		s := r.Syncs[name]
		filter, err := ir.AttrsFromMap(s.Filter)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("syncs.%s.filter: %v", name, err)}
		}
		c.SyncConfigs = append(c.SyncConfigs, ir.SyncConfig{
			ID:            name,
			Name:          name,
			SystemID:      s.System,
			EntityType:    s.EntityType,
			Filter:        filter,
			Authoritative: ir.Side(s.Authoritative),
			Reactions: ir.Reactions{
				CreateEntity:  ir.Reaction(s.Reactions.CreateEntity),
				UpdateEntity:  ir.Reaction(s.Reactions.UpdateEntity),
				MissingEntity: ir.Reaction(s.Reactions.MissingEntity),
			},
			Hierarchical: s.Hierarchical,
			ParentAttr:   s.ParentAttr,
			Delta:        s.Delta,
			Enabled:      s.Enabled,
		})
	}

	for i, a := range r.Accounts {
		attrs, err := ir.AttrsFromMap(a.Attributes)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("accounts[%d].attributes: %v", i, err)}
		}
		c.Accounts = append(c.Accounts, Account{
			Account: ir.Account{
				ID:         a.System + "/" + a.EntityType + "/" + a.UID,
				SystemID:   a.System,
				EntityType: a.EntityType,
				UID:        a.UID,
				Enabled:    a.Enabled,
				Attributes: attrs,
			},
			IdentityID: a.Identity,
			Roles:      a.Roles,
		})
	}
	return c, nil
}

// RoleSystemID is the ID a catalog gives the grant of role on (system,
// entity type).
func RoleSystemID(role, system, entityType string) string {
	return role + "@" + system + "/" + entityType
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// cueError converts the first CUE error to a LoadError with its position.
func cueError(what string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Message: fmt.Sprintf("%s: %v", what, err)}
	}
	first := errs[0]
	le := &LoadError{Message: fmt.Sprintf("%s: %s", what, first.Error())}
	if positions := cueerrors.Positions(first); len(positions) > 0 && positions[0].IsValid() {
		p := positions[0]
		le.Pos = fmt.Sprintf("%s:%d:%d", p.Filename(), p.Line(), p.Column())
	}
	return le
}

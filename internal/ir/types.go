package ir

import "time"

// OperationKind is the tagged variant of a provisioning operation.
type OperationKind string

const (
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OperationState is the lifecycle state of a provisioning operation.
type OperationState string

const (
	StateCreated   OperationState = "CREATED"
	StateRunning   OperationState = "RUNNING"
	StateExecuted  OperationState = "EXECUTED"
	StateException OperationState = "EXCEPTION"
)

// ResultCode classifies the final outcome recorded in an archive.
type ResultCode string

const (
	ResultOK                   ResultCode = "OK"
	ResultBreakerOpen          ResultCode = "BREAKER_OPEN"
	ResultConnectorUnavailable ResultCode = "CONNECTOR_UNAVAILABLE"
	ResultConnectorRejected    ResultCode = "CONNECTOR_REJECTED"
	ResultCancelled            ResultCode = "CANCELLED"
)

// Direction of an attribute mapping.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// Inbound reports whether remote values flow into internal attributes.
func (d Direction) Inbound() bool { return d == DirectionInbound || d == DirectionBoth }

// Outbound reports whether internal values flow to the target system.
func (d Direction) Outbound() bool { return d == DirectionOutbound || d == DirectionBoth }

// System is a target system with an opaque connector configuration.
type System struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ConnectorType string `json:"connector_type"`
	Settings      Attrs  `json:"settings,omitempty"`
}

// Account is one identity's presence on one target system.
type Account struct {
	ID         string    `json:"id"`
	SystemID   string    `json:"system_id"`
	EntityType string    `json:"entity_type"`
	UID        string    `json:"uid"`
	Enabled    bool      `json:"enabled"`
	Attributes Attrs     `json:"attributes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdentityAccount links an internal identity to an account, optionally
// through the role-system assignment that granted it.
type IdentityAccount struct {
	ID           string `json:"id"`
	IdentityID   string `json:"identity_id"`
	AccountID    string `json:"account_id"`
	RoleSystemID string `json:"role_system_id,omitempty"`
}

// Role is an internal role. Higher Priority takes precedence.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// RoleSystem declares that a role grants an account on a system.
type RoleSystem struct {
	ID         string `json:"id"`
	RoleID     string `json:"role_id"`
	SystemID   string `json:"system_id"`
	EntityType string `json:"entity_type"`
}

// RoleSystemAttribute overrides one remote attribute for accounts granted
// through its role system.
type RoleSystemAttribute struct {
	ID           string `json:"id"`
	RoleSystemID string `json:"role_system_id"`
	RemoteAttr   string `json:"remote_attr"`
	Value        Value  `json:"value"`
	Transform    string `json:"transform,omitempty"`
	Priority     int    `json:"priority"`
	Seq          int64  `json:"seq"`
}

// RoleGrant is a role-system attribute resolved together with the priority
// of the role that grants it.
type RoleGrant struct {
	RoleID       string
	RolePriority int
	Attribute    RoleSystemAttribute
}

// AttributeMapping maps one remote attribute of (system, entity type) to an
// internal attribute.
type AttributeMapping struct {
	ID              string    `json:"id"`
	SystemID        string    `json:"system_id"`
	EntityType      string    `json:"entity_type"`
	RemoteAttr      string    `json:"remote_attr"`
	InternalAttr    string    `json:"internal_attr"`
	Direction       Direction `json:"direction"`
	UID             bool      `json:"uid"`
	Transform       string    `json:"transform,omitempty"`
	ClearWhenAbsent bool      `json:"clear_when_absent"`
}

// ProvisioningOperation is one in-flight unit of outbound work.
type ProvisioningOperation struct {
	ID             string         `json:"id"`
	SystemID       string         `json:"system_id"`
	EntityType     string         `json:"entity_type"`
	UID            string         `json:"uid"`
	AccountID      string         `json:"account_id,omitempty"`
	Kind           OperationKind  `json:"kind"`
	Payload        Attrs          `json:"payload"`
	PayloadHash    string         `json:"payload_hash"`
	Seq            int64          `json:"seq"`
	IdempotencyKey string         `json:"idempotency_key"`
	State          OperationState `json:"state"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ProvisioningArchive is the immutable record of a completed operation.
type ProvisioningArchive struct {
	ID          string         `json:"id"`
	OperationID string         `json:"operation_id"`
	SystemID    string         `json:"system_id"`
	EntityType  string         `json:"entity_type"`
	UID         string         `json:"uid"`
	Kind        OperationKind  `json:"kind"`
	Payload     Attrs          `json:"payload"`
	Seq         int64          `json:"seq"`
	State       OperationState `json:"state"`
	ResultCode  ResultCode     `json:"result_code"`
	ResultLog   string         `json:"result_log,omitempty"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	ArchivedAt  time.Time      `json:"archived_at"`
}

// Succeeded reports whether the archived operation executed.
func (a ProvisioningArchive) Succeeded() bool { return a.State == StateExecuted }

// BreakConfig configures the circuit breaker of one system. An empty Kind
// applies to every operation kind without a more specific config.
type BreakConfig struct {
	ID         string           `json:"id"`
	SystemID   string           `json:"system_id"`
	Kind       OperationKind    `json:"kind,omitempty"`
	Threshold  int              `json:"threshold"`
	Window     time.Duration    `json:"window"`
	Cooldown   time.Duration    `json:"cooldown"`
	Disabled   bool             `json:"disabled"`
	Recipients []BreakRecipient `json:"recipients"`
}

// BreakRecipient is one notification target, kept in configured order.
type BreakRecipient struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// Situation classifies a reconciled item.
type Situation string

const (
	SituationCreateEntity     Situation = "CREATE_ENTITY"
	SituationUpdateEntity     Situation = "UPDATE_ENTITY"
	SituationMissingEntity    Situation = "MISSING_ENTITY"
	SituationUnchanged        Situation = "UNCHANGED"
	SituationUnresolvedParent Situation = "UNRESOLVED_PARENT"
)

// Situations lists every situation in reporting order.
var Situations = []Situation{
	SituationCreateEntity,
	SituationUpdateEntity,
	SituationMissingEntity,
	SituationUnchanged,
	SituationUnresolvedParent,
}

// Reaction is the configured policy for a situation.
type Reaction string

const (
	ReactionIgnore        Reaction = "ignore"
	ReactionCreateAccount Reaction = "create_account"
	ReactionDeleteRemote  Reaction = "delete_remote"
	ReactionApply         Reaction = "apply"
	ReactionDisable       Reaction = "disable"
	ReactionUnlink        Reaction = "unlink"
	ReactionDeleteAccount Reaction = "delete_account"
	ReactionCreateRemote  Reaction = "create_remote"
)

// ValidReactions lists the reactions accepted for each situation.
var ValidReactions = map[Situation][]Reaction{
	SituationCreateEntity:  {ReactionIgnore, ReactionCreateAccount, ReactionDeleteRemote},
	SituationUpdateEntity:  {ReactionIgnore, ReactionApply},
	SituationMissingEntity: {ReactionIgnore, ReactionDisable, ReactionUnlink, ReactionDeleteAccount, ReactionCreateRemote},
}

// Reactions holds the per-situation policy of a sync config.
type Reactions struct {
	CreateEntity  Reaction `json:"create_entity"`
	UpdateEntity  Reaction `json:"update_entity"`
	MissingEntity Reaction `json:"missing_entity"`
}

// For returns the reaction configured for s. Unset reactions and the
// situations without a policy resolve to ignore.
func (r Reactions) For(s Situation) Reaction {
	var out Reaction
	switch s {
	case SituationCreateEntity:
		out = r.CreateEntity
	case SituationUpdateEntity:
		out = r.UpdateEntity
	case SituationMissingEntity:
		out = r.MissingEntity
	}
	if out == "" {
		return ReactionIgnore
	}
	return out
}

// Side names the authoritative side of a reconciliation.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// SyncConfig defines the scope and policy of a reconciliation run.
type SyncConfig struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SystemID      string    `json:"system_id"`
	EntityType    string    `json:"entity_type"`
	Filter        Attrs     `json:"filter,omitempty"`
	Authoritative Side      `json:"authoritative"`
	Reactions     Reactions `json:"reactions"`
	Hierarchical  bool      `json:"hierarchical"`
	ParentAttr    string    `json:"parent_attr,omitempty"`
	Delta         bool      `json:"delta"`
	Enabled       bool      `json:"enabled"`
}

// SyncMode records how remote items were obtained.
type SyncMode string

const (
	ModeFull  SyncMode = "full"
	ModeDelta SyncMode = "delta"
)

// RunState is the lifecycle state of a sync log.
type RunState string

const (
	RunRunning           RunState = "RUNNING"
	RunFinished          RunState = "FINISHED"
	RunFinishedWithError RunState = "FINISHED_WITH_ERROR"
	RunCancelled         RunState = "CANCELLED"
)

// Outcome of a reconciled item or action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeIgnored Outcome = "IGNORED"
)

// RunSummary aggregates a run's items by situation and by outcome.
type RunSummary struct {
	Items      int               `json:"items"`
	Situations map[Situation]int `json:"situations"`
	Outcomes   map[Outcome]int   `json:"outcomes"`
}

// SyncLog is the header of one reconciliation run.
type SyncLog struct {
	ID         string     `json:"id"`
	ConfigID   string     `json:"config_id"`
	SystemID   string     `json:"system_id"`
	EntityType string     `json:"entity_type"`
	Mode       SyncMode   `json:"mode"`
	State      RunState   `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at,omitzero"`
	Error      string     `json:"error,omitempty"`
	Summary    RunSummary `json:"summary"`
}

// SyncItemLog records one reconciled remote item.
type SyncItemLog struct {
	ID        string          `json:"id"`
	LogID     string          `json:"log_id"`
	Seq       int64           `json:"seq"`
	RemoteUID string          `json:"remote_uid"`
	AccountID string          `json:"account_id,omitempty"`
	Situation Situation       `json:"situation"`
	Outcome   Outcome         `json:"outcome"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Actions   []SyncActionLog `json:"actions,omitempty"`
}

// SyncActionLog records one concrete action taken for an item.
type SyncActionLog struct {
	ID      string  `json:"id"`
	ItemID  string  `json:"item_id"`
	LogID   string  `json:"log_id"`
	Action  string  `json:"action"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// NewRunSummary returns a summary with every situation and outcome present
// at zero, so summaries of different runs have the same shape.
func NewRunSummary() RunSummary {
	s := RunSummary{
		Situations: make(map[Situation]int, len(Situations)),
		Outcomes:   make(map[Outcome]int, 3),
	}
	for _, sit := range Situations {
		s.Situations[sit] = 0
	}
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeIgnored} {
		s.Outcomes[o] = 0
	}
	return s
}

// Add counts one item.
func (s *RunSummary) Add(sit Situation, o Outcome) {
	if s.Situations == nil || s.Outcomes == nil {
		*s = NewRunSummary()
	}
	s.Items++
	s.Situations[sit]++
	s.Outcomes[o]++
}

package types

// Definition is a published, immutable approval process graph bound to a module type.
// A new version of a process is a new Definition with a new ID.
type Definition struct {
	ID         uint64     `json:"id"`
	Name       string     `json:"name"`
	ModuleType ModuleType `json:"module_type"`
	Version    int        `json:"version"`
	Active     bool       `json:"active"`
	Priority   int        `json:"priority"`
	MinAmount  *float64   `json:"min_amount,omitempty"`
	MaxAmount  *float64   `json:"max_amount,omitempty"`
	Nodes      []Node     `json:"nodes"`
	Routes     []Route    `json:"routes"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// Node represents a step in a definition.
type Node struct {
	Key    string     `json:"key"`
	Type   string     `json:"type"` // "start", "approval", "condition", "end"
	Name   string     `json:"name"`
	Config NodeConfig `json:"config"`
	Sort   int        `json:"sort"`
}

// NodeConfig holds the assignment settings of an approval node.
type NodeConfig struct {
	AssigneeType string   `json:"assignee_type,omitempty"` // "user" or "role"
	Assignees    []string `json:"assignees,omitempty"`     // user ids/usernames, or role names
	Mode         string   `json:"mode,omitempty"`          // "and" or "or"
}

// Route is a directed edge between two nodes of the same definition.
type Route struct {
	ID            uint64         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	ConditionType string         `json:"condition_type"` // "always", "field" or "expression"
	Condition     RouteCondition `json:"condition"`
	Sort          int            `json:"sort"`
}

// RouteCondition compares a payload field, or evaluates a raw expression.
type RouteCondition struct {
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Value      interface{}   `json:"value,omitempty"`
	Values     []interface{} `json:"values,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// Instance is one approval cycle of a business record.
type Instance struct {
	ID               uint64                 `json:"id"`
	Kind             string                 `json:"kind"` // "graph" or "legacy"
	DefinitionID     uint64                 `json:"definition_id,omitempty"`
	LegacyWorkflowID uint64                 `json:"legacy_workflow_id,omitempty"`
	ModuleType       ModuleType             `json:"module_type"`
	ModuleID         uint64                 `json:"module_id"`
	Status           string                 `json:"status"` // "running", "completed", "rejected", "cancelled"
	CurrentNode      string                 `json:"current_node,omitempty"`
	CurrentStep      int                    `json:"current_step"`
	Round            int                    `json:"round"`
	InitiatorID      uint64                 `json:"initiator_id"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	StartedAt        int64                  `json:"started_at"`
	EndedAt          int64                  `json:"ended_at,omitempty"`
	UpdatedAt        int64                  `json:"updated_at"`
}

// Running reports whether the instance still accepts actions.
func (i Instance) Running() bool {
	return i.Status == InstanceRunning
}

// Key returns the module key the running-uniqueness constraint is enforced on.
func (i Instance) Key() string {
	return ModuleKey(i.ModuleType, i.ModuleID)
}

// Task is one assignee's decision inside one visit (Round) of an approval node.
type Task struct {
	ID               uint64 `json:"id"`
	InstanceID       uint64 `json:"instance_id"`
	NodeKey          string `json:"node_key"`
	Round            int    `json:"round"`
	AssigneeID       uint64 `json:"assignee_id"`
	Status           string `json:"status"` // "pending", "approved", "rejected", "cancelled"
	Action           string `json:"action,omitempty"`
	Comment          string `json:"comment,omitempty"`
	CorrelationToken string `json:"correlation_token"`
	TransferredFrom  uint64 `json:"transferred_from,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	CompletedAt      int64  `json:"completed_at,omitempty"`
}

// Pending reports whether the task still waits for its assignee.
func (t Task) Pending() bool {
	return t.Status == TaskPending
}

// LegacyWorkflow is the older linear approval model: ordered steps of approvers.
type LegacyWorkflow struct {
	ID         uint64       `json:"id"`
	Name       string       `json:"name"`
	ModuleType ModuleType   `json:"module_type"`
	Active     bool         `json:"active"`
	Priority   int          `json:"priority"`
	MinAmount  *float64     `json:"min_amount,omitempty"`
	MaxAmount  *float64     `json:"max_amount,omitempty"`
	Steps      []LegacyStep `json:"steps"`
	CreatedAt  int64        `json:"created_at"`
}

// LegacyStep is a set of approvers that must all approve before the next step opens.
type LegacyStep struct {
	Name      string   `json:"name"`
	Approvers []string `json:"approvers"`
}

// ApprovalRecord is one approver's decision on one legacy step.
type ApprovalRecord struct {
	ID               uint64     `json:"id"`
	InstanceID       uint64     `json:"instance_id"`
	WorkflowID       uint64     `json:"workflow_id"`
	ModuleType       ModuleType `json:"module_type"`
	ModuleID         uint64     `json:"module_id"`
	StepIndex        int        `json:"step_index"`
	ApproverID       uint64     `json:"approver_id"`
	Status           string     `json:"status"` // "pending", "approve", "reject", "cancelled"
	Comment          string     `json:"comment,omitempty"`
	CorrelationToken string     `json:"correlation_token"`
	CreatedAt        int64      `json:"created_at"`
	HandledAt        int64      `json:"handled_at,omitempty"`
}

// User is the identity view the dispatcher needs.
type User struct {
	ID     uint64   `json:"id"`
	Name   string   `json:"name"`
	Active bool     `json:"active"`
	Roles  []string `json:"roles,omitempty"`
}

package types

// Instance kinds
const (
	KindGraph  = "graph"
	KindLegacy = "legacy"
)

// Instance statuses
const (
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceRejected  = "rejected"
	InstanceCancelled = "cancelled"
)

// Node types
const (
	NodeStart     = "start"
	NodeApproval  = "approval"
	NodeCondition = "condition"
	NodeEnd       = "end"
)

// Assignee types and aggregation modes of approval nodes
const (
	AssigneeUser = "user"
	AssigneeRole = "role"

	ModeAnd = "and"
	ModeOr  = "or"
)

// Route condition types
const (
	ConditionAlways     = "always"
	ConditionField      = "field"
	ConditionExpression = "expression"
)

// Task statuses
const (
	TaskPending   = "pending"
	TaskApproved  = "approved"
	TaskRejected  = "rejected"
	TaskCancelled = "cancelled"
)

// Task actions
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionReturn   = "return"
	ActionTransfer = "transfer"
)

// Legacy record statuses. They mirror the values stored by the old step-list tables.
const (
	RecordPending   = "pending"
	RecordApprove   = "approve"
	RecordReject    = "reject"
	RecordCancelled = "cancelled"
)

// ModuleStatus is the approval status written back to a business record.
type ModuleStatus string

const (
	ModuleStatusPending  ModuleStatus = "pending"
	ModuleStatusApproved ModuleStatus = "approved"
	ModuleStatusRejected ModuleStatus = "rejected"
	ModuleStatusDraft    ModuleStatus = "draft"
)

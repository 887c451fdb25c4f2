package workflow

import (
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/registry"
	"github.com/songzhibin97/approval-engine/storage"
)

// Standard error definitions
var (
	ErrDefinitionNotFound = registry.ErrDefinitionNotFound
	ErrInvalidDefinition  = registry.ErrInvalidDefinition
	ErrInstanceNotFound   = storage.ErrInstanceNotFound
	ErrTaskNotFound       = storage.ErrTaskNotFound
	ErrRecordNotFound     = storage.ErrRecordNotFound

	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotAuthorized       = errors.New("actor is not allowed to act on this item")
	ErrAlreadyHandled      = errors.New("item was already processed")
	ErrInstanceNotRunning  = errors.New("instance is not running")
	ErrStuckTransition     = errors.New("no route matched out of condition node")
	ErrNotStuck            = errors.New("instance is not waiting on a condition node")
	ErrUnassignable        = errors.New("approval node resolved to no assignees")
	ErrInvalidAction       = errors.New("invalid action")
	ErrInvalidReturnTarget = errors.New("invalid return target")
	ErrInvalidTransfer     = errors.New("invalid transfer target")
	ErrNodeNotFound        = errors.New("node not found")
	ErrMaxDepth            = errors.New("maximum traversal depth exceeded")
)

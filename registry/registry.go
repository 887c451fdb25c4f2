// Package registry decides which approval process applies to a submission.
package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/sync/singleflight"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// DefaultAmountField is the payload field amount ranges are checked against.
const DefaultAmountField = "amount"

var (
	// ErrDefinitionNotFound means neither a graph definition nor a legacy
	// workflow matches. Callers should ask the user to configure a process.
	ErrDefinitionNotFound = errors.New("no approval process configured")
	ErrInvalidDefinition  = errors.New("invalid definition")
)

// Resolution is the outcome of Resolve. Exactly one of Definition and Legacy is set.
type Resolution struct {
	Kind       string
	Definition *types.Definition
	Legacy     *types.LegacyWorkflow
}

// Option configures a Registry.
type Option func(*Registry)

// WithAmountField changes the payload field used for amount ranges.
func WithAmountField(field string) Option {
	return func(r *Registry) {
		if field != "" {
			r.amountField = field
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMatcher sets the matcher used to validate route conditions on publish.
func WithMatcher(m *rules.Matcher) Option {
	return func(r *Registry) {
		if m != nil {
			r.matcher = m
		}
	}
}

// Registry resolves, publishes and loads approval definitions.
type Registry struct {
	store       storage.DefinitionStore
	gen         generator.Generator
	matcher     *rules.Matcher
	amountField string
	logger      logrus.FieldLogger

	mu     sync.RWMutex
	graphs map[uint64]types.Definition
	group  singleflight.Group
}

// New creates a Registry over store. gen assigns IDs to published definitions.
func New(store storage.DefinitionStore, gen generator.Generator, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		gen:         gen,
		matcher:     rules.NewMatcher(nil),
		amountField: DefaultAmountField,
		logger:      logrus.StandardLogger(),
		graphs:      make(map[uint64]types.Definition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the highest-priority active definition of moduleType whose
// amount range contains the payload amount, falling back to legacy
// workflows with the same rule.
func (r *Registry) Resolve(ctx context.Context, moduleType types.ModuleType, payload map[string]interface{}) (Resolution, error) {
	defs, err := r.store.ListDefinitions(ctx, moduleType)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "list definitions")
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].ID > defs[j].ID
	})
	for _, d := range defs {
		if !d.Active || !rules.InRange(payload, r.amountField, d.MinAmount, d.MaxAmount) {
			continue
		}
		def, err := r.Definition(ctx, d.ID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: types.KindGraph, Definition: &def}, nil
	}

	wfs, err := r.store.ListLegacyWorkflows(ctx, moduleType)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "list legacy workflows")
	}
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].Priority != wfs[j].Priority {
			return wfs[i].Priority > wfs[j].Priority
		}
		return wfs[i].ID > wfs[j].ID
	})
	for i := range wfs {
		wf := wfs[i]
		if !wf.Active || len(wf.Steps) == 0 || !rules.InRange(payload, r.amountField, wf.MinAmount, wf.MaxAmount) {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"module_type": moduleType,
			"workflow_id": wf.ID,
		}).Debug("no graph definition matched, using legacy workflow")
		return Resolution{Kind: types.KindLegacy, Legacy: &wf}, nil
	}

	return Resolution{}, errors.Wrapf(ErrDefinitionNotFound, "module type %s", moduleType)
}

// Definition loads the full graph of a definition. Graphs never change after
// publishing, so they are cached for the life of the Registry and concurrent
// misses share one load.
func (r *Registry) Definition(ctx context.Context, id uint64) (types.Definition, error) {
	r.mu.RLock()
	def, ok := r.graphs[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := r.group.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		def, err := r.store.GetDefinition(ctx, id)
		if err != nil {
			return types.Definition{}, err
		}
		// rows may have been written around Publish
		if err := r.Validate(&def); err != nil {
			return types.Definition{}, err
		}
		r.mu.Lock()
		r.graphs[id] = def
		r.mu.Unlock()
		return def, nil
	})
	if err != nil {
		return types.Definition{}, errors.Wrapf(err, "load definition %d", id)
	}
	return v.(types.Definition), nil
}

// LegacyWorkflow loads a legacy workflow by ID.
func (r *Registry) LegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error) {
	wf, err := r.store.GetLegacyWorkflow(ctx, id)
	if err != nil {
		return types.LegacyWorkflow{}, errors.Wrapf(err, "load legacy workflow %d", id)
	}
	return wf, nil
}

// Publish validates def, stores it as the next version of (module type, name)
// and deactivates the previous versions. Instances started on an older version
// keep using it.
func (r *Registry) Publish(ctx context.Context, def types.Definition) (types.Definition, error) {
	mt, err := types.NormalizeModuleType(string(def.ModuleType))
	if err != nil {
		return types.Definition{}, errors.Wrap(ErrInvalidDefinition, err.Error())
	}
	def.ModuleType = mt
	if def.Name == "" {
		return types.Definition{}, errors.Wrap(ErrInvalidDefinition, "name is required")
	}
	if err := r.Validate(&def); err != nil {
		return types.Definition{}, err
	}

	latest, err := r.store.LatestVersion(ctx, def.ModuleType, def.Name)
	if err != nil {
		return types.Definition{}, errors.Wrap(err, "latest version")
	}
	id, err := r.gen.NextID()
	if err != nil {
		return types.Definition{}, errors.Wrap(err, "generate definition id")
	}

	now := time.Now().UnixMilli()
	def.ID = id
	def.Version = latest + 1
	def.Active = true
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return types.Definition{}, errors.Wrap(err, "save definition")
	}
	if err := r.store.DeactivateDefinitions(ctx, def.ModuleType, def.Name, def.ID); err != nil {
		return types.Definition{}, errors.Wrap(err, "deactivate previous versions")
	}

	r.logger.WithFields(logrus.Fields{
		"definition_id": def.ID,
		"module_type":   def.ModuleType,
		"name":          def.Name,
		"version":       def.Version,
	}).Info("definition published")
	return def, nil
}

// PublishLegacy stores a legacy step-list workflow.
func (r *Registry) PublishLegacy(ctx context.Context, wf types.LegacyWorkflow) (types.LegacyWorkflow, error) {
	mt, err := types.NormalizeModuleType(string(wf.ModuleType))
	if err != nil {
		return types.LegacyWorkflow{}, errors.Wrap(ErrInvalidDefinition, err.Error())
	}
	wf.ModuleType = mt
	if len(wf.Steps) == 0 {
		return types.LegacyWorkflow{}, errors.Wrap(ErrInvalidDefinition, "legacy workflow has no steps")
	}
	for i, step := range wf.Steps {
		if len(step.Approvers) == 0 {
			return types.LegacyWorkflow{}, errors.Wrapf(ErrInvalidDefinition, "step %d has no approvers", i)
		}
	}
	if err := checkRange(wf.MinAmount, wf.MaxAmount); err != nil {
		return types.LegacyWorkflow{}, err
	}

	id, err := r.gen.NextID()
	if err != nil {
		return types.LegacyWorkflow{}, errors.Wrap(err, "generate workflow id")
	}
	wf.ID = id
	wf.Active = true
	wf.CreatedAt = time.Now().UnixMilli()
	if err := r.store.SaveLegacyWorkflow(ctx, wf); err != nil {
		return types.LegacyWorkflow{}, errors.Wrap(err, "save legacy workflow")
	}
	return wf, nil
}

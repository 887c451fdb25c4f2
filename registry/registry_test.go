package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// countingStore counts graph loads that reach storage.
type countingStore struct {
	storage.DefinitionStore
	loads int64
}

func (c *countingStore) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	atomic.AddInt64(&c.loads, 1)
	return c.DefinitionStore.GetDefinition(ctx, id)
}

func amount(v float64) *float64 { return &v }

func simpleGraph(name string, priority int, min, max *float64) types.Definition {
	return types.Definition{
		Name:       name,
		ModuleType: "Contracts",
		Priority:   priority,
		MinAmount:  min,
		MaxAmount:  max,
		Nodes: []types.Node{
			{Key: "start", Type: types.NodeStart},
			{Key: "manager", Type: types.NodeApproval, Config: types.NodeConfig{
				AssigneeType: types.AssigneeRole, Assignees: []string{"manager"},
			}},
			{Key: "end", Type: types.NodeEnd},
		},
		Routes: []types.Route{
			{From: "start", To: "manager"},
			{From: "manager", To: "end", ConditionType: types.ConditionAlways},
		},
	}
}

func newRegistry() (*Registry, *countingStore) {
	store := &countingStore{DefinitionStore: storage.NewMemoryStorage()}
	return New(store, &MockGenerator{}), store
}

func TestPublish(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	v1, err := r.Publish(ctx, simpleGraph("default", 0, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, types.ModuleContract, v1.ModuleType)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.Active)
	assert.Equal(t, types.ModeAnd, v1.Nodes[1].Config.Mode)

	v2, err := r.Publish(ctx, simpleGraph("default", 0, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	// the old graph stays loadable for running instances
	old, err := r.Definition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.Nodes, old.Nodes)

	res, err := r.Resolve(ctx, types.ModuleContract, nil)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, res.Definition.ID)
}

func TestPublishValidation(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	mutate := func(fn func(*types.Definition)) types.Definition {
		def := simpleGraph("default", 0, nil, nil)
		fn(&def)
		return def
	}

	tests := []struct {
		name string
		def  types.Definition
	}{
		{"unknown module type", mutate(func(d *types.Definition) { d.ModuleType = "lead" })},
		{"no name", mutate(func(d *types.Definition) { d.Name = "" })},
		{"duplicate key", mutate(func(d *types.Definition) { d.Nodes[2].Key = "manager" })},
		{"two starts", mutate(func(d *types.Definition) { d.Nodes[2].Type = types.NodeStart })},
		{"no end", mutate(func(d *types.Definition) {
			d.Nodes = d.Nodes[:2]
			d.Routes = d.Routes[:1]
		})},
		{"dangling route", mutate(func(d *types.Definition) { d.Routes[1].To = "finance" })},
		{"approval branches", mutate(func(d *types.Definition) {
			d.Routes = append(d.Routes, types.Route{From: "manager", To: "start"})
		})},
		{"conditional approval route", mutate(func(d *types.Definition) {
			d.Routes[1].ConditionType = types.ConditionField
			d.Routes[1].Condition = types.RouteCondition{Field: "amount", Operator: "lt", Value: 1}
		})},
		{"bad mode", mutate(func(d *types.Definition) { d.Nodes[1].Config.Mode = "majority" })},
		{"no assignees", mutate(func(d *types.Definition) { d.Nodes[1].Config.Assignees = nil })},
		{"inverted range", mutate(func(d *types.Definition) {
			d.MinAmount, d.MaxAmount = amount(10), amount(1)
		})},
		{"condition without routes", mutate(func(d *types.Definition) {
			d.Nodes = append(d.Nodes, types.Node{Key: "gate", Type: types.NodeCondition})
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Publish(ctx, tt.def)
			assert.True(t, errors.Is(err, ErrInvalidDefinition), "got %v", err)
		})
	}
}

func TestResolve(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	small, err := r.Publish(ctx, simpleGraph("small", 1, nil, amount(999.99)))
	require.NoError(t, err)
	large, err := r.Publish(ctx, simpleGraph("large", 1, amount(1000), nil))
	require.NoError(t, err)
	catchAll, err := r.Publish(ctx, simpleGraph("any", 0, nil, nil))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload map[string]interface{}
		want    uint64
	}{
		{"small amount", map[string]interface{}{"amount": 500}, small.ID},
		{"large amount as string", map[string]interface{}{"amount": "5000"}, large.ID},
		{"boundary", map[string]interface{}{"amount": 1000.0}, large.ID},
		{"no amount falls to unbounded", map[string]interface{}{}, catchAll.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, types.ModuleContract, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, types.KindGraph, res.Kind)
			assert.Nil(t, res.Legacy)
			assert.Equal(t, tt.want, res.Definition.ID)
		})
	}
}

func TestResolveTieBreaksOnNewestID(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	_, err := r.Publish(ctx, simpleGraph("a", 5, nil, nil))
	require.NoError(t, err)
	b, err := r.Publish(ctx, simpleGraph("b", 5, nil, nil))
	require.NoError(t, err)

	res, err := r.Resolve(ctx, types.ModuleContract, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.Definition.ID)
}

func TestResolveLegacyFallback(t *testing.T) {
	r, _ := newRegistry()
	ctx := context.Background()

	_, err := r.Publish(ctx, simpleGraph("large", 0, amount(1000), nil))
	require.NoError(t, err)
	wf, err := r.PublishLegacy(ctx, types.LegacyWorkflow{
		Name:       "invoice-steps",
		ModuleType: "contracts",
		Steps:      []types.LegacyStep{{Name: "finance", Approvers: []string{"7"}}},
	})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, types.ModuleContract, map[string]interface{}{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, types.KindLegacy, res.Kind)
	assert.Nil(t, res.Definition)
	assert.Equal(t, wf.ID, res.Legacy.ID)

	_, err = r.Resolve(ctx, types.ModuleInvoice, nil)
	assert.True(t, errors.Is(err, ErrDefinitionNotFound))

	_, err = r.PublishLegacy(ctx, types.LegacyWorkflow{Name: "empty", ModuleType: types.ModuleInvoice})
	assert.True(t, errors.Is(err, ErrInvalidDefinition))
}

func TestResolveCustomAmountField(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := New(store, &MockGenerator{}, WithAmountField("total"))
	ctx := context.Background()

	def, err := r.Publish(ctx, simpleGraph("large", 0, amount(1000), nil))
	require.NoError(t, err)

	res, err := r.Resolve(ctx, types.ModuleContract, map[string]interface{}{"total": 2000, "amount": 1})
	require.NoError(t, err)
	assert.Equal(t, def.ID, res.Definition.ID)
}

func TestDefinitionCache(t *testing.T) {
	r, store := newRegistry()
	ctx := context.Background()

	def, err := r.Publish(ctx, simpleGraph("default", 0, nil, nil))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Definition(ctx, def.ID)
			assert.NoError(t, err)
			assert.Equal(t, def.ID, got.ID)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&store.loads), int64(20))

	before := atomic.LoadInt64(&store.loads)
	_, err = r.Definition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt64(&store.loads))

	_, err = r.Definition(ctx, 12345)
	assert.True(t, errors.Is(err, storage.ErrDefinitionNotFound))
}

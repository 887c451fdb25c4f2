package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 2500},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "amount < 1000",
			env:        map[string]interface{}{"amount": 2500},
			wantResult: false,
		},
		{
			name:       "Nested payload access",
			expression: "customer.level == 'vip'",
			env: map[string]interface{}{
				"customer": map[string]interface{}{"level": "vip"},
			},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "amount + 5",
			env:        map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "expression 'amount + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "amount >>> 18",
			env:        map[string]interface{}{"amount": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Cached program serves different payload shapes", func(t *testing.T) {
		expr := "region == 'north'"

		ok, err := evaluator.Evaluate(expr, map[string]interface{}{"region": "north"})
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = evaluator.Evaluate(expr, map[string]interface{}{"region": 7})
		assert.NoError(t, err)
		assert.False(t, ok)

		ok, err = evaluator.Evaluate(expr, map[string]interface{}{})
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Option funcs do not leak into caller env", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddOptionFunc("big", func(env map[string]interface{}) interface{} {
			n, _ := ToNumber(env["amount"])
			return n >= 10000
		})
		env := map[string]interface{}{"amount": 20000}

		ok, err := ev.Evaluate("big", env)
		assert.NoError(t, err)
		assert.True(t, ok)
		_, leaked := env["big"]
		assert.False(t, leaked)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

// BenchmarkEvaluate benchmarks Evaluate on a cached program.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	env := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, env)
	}
}

package types

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeModuleType(t *testing.T) {
	tests := []struct {
		in      string
		want    ModuleType
		wantErr bool
	}{
		{in: "contract", want: ModuleContract},
		{in: "Contracts", want: ModuleContract},
		{in: " opportunities ", want: ModuleOpportunity},
		{in: "INVOICE", want: ModuleInvoice},
		{in: "payments", want: ModulePayment},
		{in: "widget", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeModuleType(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnknownModuleType))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUserRef(t *testing.T) {
	ref, err := ParseUserRef("42")
	assert.NoError(t, err)
	assert.True(t, ref.IsID())
	assert.Equal(t, uint64(42), ref.ID)

	ref, err = ParseUserRef(" alice ")
	assert.NoError(t, err)
	assert.False(t, ref.IsID())
	assert.Equal(t, "alice", ref.Name)

	// zero is not a valid id, keep it as a name so lookup fails loudly
	ref, err = ParseUserRef("0")
	assert.NoError(t, err)
	assert.Equal(t, "0", ref.Name)

	_, err = ParseUserRef("  ")
	assert.Equal(t, ErrEmptyUserRef, err)
}

func TestModuleKey(t *testing.T) {
	assert.Equal(t, "contract:42", ModuleKey(ModuleContract, 42))
	inst := Instance{ModuleType: ModuleInvoice, ModuleID: 7, Status: InstanceRunning}
	assert.Equal(t, "invoice:7", inst.Key())
	assert.True(t, inst.Running())
}

package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnknownModuleType = errors.New("unknown module type")
	ErrEmptyUserRef      = errors.New("empty user reference")
)

// ModuleType is the canonical, singular name of a business module.
type ModuleType string

const (
	ModuleContract    ModuleType = "contract"
	ModuleInvoice     ModuleType = "invoice"
	ModuleOpportunity ModuleType = "opportunity"
	ModuleProject     ModuleType = "project"
	ModuleCustomer    ModuleType = "customer"
	ModulePayment     ModuleType = "payment"
)

var moduleAliases = map[string]ModuleType{
	"contract":      ModuleContract,
	"contracts":     ModuleContract,
	"invoice":       ModuleInvoice,
	"invoices":      ModuleInvoice,
	"opportunity":   ModuleOpportunity,
	"opportunities": ModuleOpportunity,
	"project":       ModuleProject,
	"projects":      ModuleProject,
	"customer":      ModuleCustomer,
	"customers":     ModuleCustomer,
	"payment":       ModulePayment,
	"payments":      ModulePayment,
}

// ModuleTypes returns the canonical module types.
func ModuleTypes() []ModuleType {
	return []ModuleType{ModuleContract, ModuleInvoice, ModuleOpportunity, ModuleProject, ModuleCustomer, ModulePayment}
}

// NormalizeModuleType maps any spelling seen at the system boundary
// (plural, mixed case, padded) to the canonical module type.
func NormalizeModuleType(s string) (ModuleType, error) {
	mt, ok := moduleAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", errors.Wrapf(ErrUnknownModuleType, "%q", s)
	}
	return mt, nil
}

// ModuleKey is the "type:id" key a running instance is unique on.
func ModuleKey(mt ModuleType, id uint64) string {
	return fmt.Sprintf("%s:%d", mt, id)
}

// UserRef is a parsed assignee reference: either a numeric id or a username.
type UserRef struct {
	ID   uint64
	Name string
}

// IsID reports whether the reference carries a numeric id.
func (r UserRef) IsID() bool {
	return r.ID != 0
}

// ParseUserRef parses an assignee reference. Numeric strings are ids,
// everything else is a username.
func ParseUserRef(s string) (UserRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UserRef{}, ErrEmptyUserRef
	}
	if id, err := strconv.ParseUint(s, 10, 64); err == nil && id != 0 {
		return UserRef{ID: id}, nil
	}
	return UserRef{Name: s}, nil
}

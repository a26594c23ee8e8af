package controlloop

import (
	"fmt"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/go-playground/validator/v10"
)

// validate caches struct metadata across calls and is safe for concurrent use
var validate = validator.New()

// Policy bounds how often a session may replan
type Policy struct {
	MaxReplans            int                  `validate:"gte=0"`
	AllowedTriggers       []domain.TriggerType `validate:"dive,oneof=tool_failure timeout empty_result policy_violation"`
	EnableAutomaticReplan bool
	MinInterval           time.Duration `validate:"gte=0,ltefield=CoolingPeriod"`
	CoolingPeriod         time.Duration `validate:"gte=0"`
	// CoolingThreshold is how many replans inside CoolingPeriod open a cooling window
	CoolingThreshold int `validate:"gte=1"`
	// CriticalOverride lets critical triggers skip the interval and cooling checks
	CriticalOverride bool
}

// DefaultPolicy returns the default control loop policy
func DefaultPolicy() Policy {
	return Policy{
		MaxReplans: 2,
		AllowedTriggers: []domain.TriggerType{
			domain.TriggerToolFailure,
			domain.TriggerTimeout,
			domain.TriggerEmptyResult,
		},
		EnableAutomaticReplan: true,
		MinInterval:           time.Second,
		CoolingPeriod:         30 * time.Second,
		CoolingThreshold:      2,
		CriticalOverride:      false,
	}
}

// Validate rejects inconsistent policies instead of clamping them
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	return nil
}

// Allows reports whether the trigger type is in the allowed set
func (p Policy) Allows(t domain.TriggerType) bool {
	for _, allowed := range p.AllowedTriggers {
		if allowed == t {
			return true
		}
	}
	return false
}

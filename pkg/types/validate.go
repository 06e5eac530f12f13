package types

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
	})
	return validatorInst
}

// Validate struct-tag-validates req. It is the boundary check every public
// entry point runs before an ActionRequest reaches any component.
func (req ActionRequest) Validate() error {
	return getValidator().Struct(req)
}

// Validate struct-tag-validates def before the Workflow Runner builds a DAG
// out of it.
func (def WorkflowDefinition) Validate() error {
	return getValidator().Struct(def)
}

// Validate struct-tag-validates p. retry.Do calls it on a caller-supplied
// Options.Policy; internal/config does not call it and keeps its own
// per-field checks.
func (p Policy) Validate() error {
	return getValidator().Struct(p)
}

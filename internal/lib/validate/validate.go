package validate

import (
	"github.com/go-playground/validator/v10"
)

// Echo adapts go-playground/validator to echo's Validator interface so
// handlers can call c.Validate on bound request structs.
type Echo struct {
	v *validator.Validate
}

func NewEcho() *Echo {
	return &Echo{v: validator.New()}
}

func (e *Echo) Validate(i any) error {
	return e.v.Struct(i)
}

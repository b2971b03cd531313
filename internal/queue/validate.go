package queue

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validator checks a payload before it is enqueued and before it runs.
type Validator[T any] interface {
	Validate(item T) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc[T any] func(item T) error

// Validate calls f(item).
func (f ValidatorFunc[T]) Validate(item T) error {
	return f(item)
}

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

func sharedStructValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New()
	})
	return structValidator
}

// StructValidator validates struct payloads using their `validate` tags.
type StructValidator[T any] struct{}

// Validate runs tag-based validation on item.
func (StructValidator[T]) Validate(item T) error {
	return sharedStructValidator().Struct(item)
}

package flume

import "reflect"

// TypeDescriptor is the per-stage element type declaration consumed from the
// type-check collaborator. Validate is invoked once per element when runtime
// type checking is enabled.
type TypeDescriptor struct {
	Name     string
	Validate func(any) bool
}

// TypeOf builds a descriptor that accepts exactly values of type T.
func TypeOf[T any]() TypeDescriptor {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return TypeDescriptor{
		Name: t.String(),
		Validate: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
	}
}

func (d TypeDescriptor) check(stage string, v any) error {
	if d.Validate == nil || d.Validate(v) {
		return nil
	}
	actual := "<nil>"
	if t := reflect.TypeOf(v); t != nil {
		actual = t.String()
	}
	return &TypeViolationError{Stage: stage, Expected: d.Name, Actual: actual}
}

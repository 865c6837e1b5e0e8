// Package coder defines the encoding contract the grouping and combine
// engines depend on. A coder turns a value into bytes and back; a
// deterministic coder additionally guarantees that logically equal values
// always produce byte-identical output, which is what makes grouping by
// encoded key correct.
package coder

// Coder encodes and decodes values of type T.
type Coder[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)

	// Deterministic reports whether equal values are guaranteed to encode
	// to identical bytes. Coders that cannot promise this must return
	// false; grouping by key refuses them unless explicitly overridden.
	Deterministic() bool
}

// DeterministicProvider is implemented by coders that are not deterministic
// themselves but can produce a deterministic variant, e.g. a JSON coder that
// re-encodes through a canonical form.
type DeterministicProvider[T any] interface {
	AsDeterministic() (Coder[T], bool)
}

// AnyCoder is the untyped form stored in a Registry. It is what a fallback
// coder has to implement, since a fallback by definition accepts any type.
type AnyCoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte) (any, error)
	Deterministic() bool
}

// AnyDeterministicProvider mirrors DeterministicProvider for untyped coders.
type AnyDeterministicProvider interface {
	AsDeterministicAny() (AnyCoder, bool)
}

type typedAdapter[T any] struct {
	c AnyCoder
}

func (a typedAdapter[T]) Encode(v T) ([]byte, error) { return a.c.Encode(v) }

func (a typedAdapter[T]) Decode(b []byte) (T, error) {
	v, err := a.c.Decode(b)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (a typedAdapter[T]) Deterministic() bool { return a.c.Deterministic() }

func (a typedAdapter[T]) AsDeterministic() (Coder[T], bool) {
	if dp, ok := a.c.(AnyDeterministicProvider); ok {
		if det, ok := dp.AsDeterministicAny(); ok {
			return typedAdapter[T]{c: det}, true
		}
	}
	return nil, false
}

type anyAdapter[T any] struct {
	c Coder[T]
}

func (a anyAdapter[T]) Encode(v any) ([]byte, error) { return a.c.Encode(v.(T)) }

func (a anyAdapter[T]) Decode(b []byte) (any, error) { return a.c.Decode(b) }

func (a anyAdapter[T]) Deterministic() bool { return a.c.Deterministic() }

func (a anyAdapter[T]) AsDeterministicAny() (AnyCoder, bool) {
	if dp, ok := a.c.(DeterministicProvider[T]); ok {
		if det, ok := dp.AsDeterministic(); ok {
			return anyAdapter[T]{c: det}, true
		}
	}
	return nil, false
}

// Typed adapts an untyped coder to a Coder[T]. Decoded values must hold T.
func Typed[T any](c AnyCoder) Coder[T] {
	if c == nil {
		return nil
	}
	return typedAdapter[T]{c: c}
}

// Untyped adapts a Coder[T] to the registry's AnyCoder form.
func Untyped[T any](c Coder[T]) AnyCoder {
	if c == nil {
		return nil
	}
	return anyAdapter[T]{c: c}
}

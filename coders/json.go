package coders

import (
	"encoding/json"

	"github.com/flumehq/flume/coder"
)

type jsonCoder[T any] struct{}

func (jsonCoder[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (jsonCoder[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return *new(T), err
	}
	return v, nil
}

// Deterministic is false: the encoding of values reached through interfaces,
// custom marshalers and floats is not guaranteed to be canonical across
// versions, so equal values may not encode to equal bytes.
func (jsonCoder[T]) Deterministic() bool { return false }

func (jsonCoder[T]) AsDeterministic() (coder.Coder[T], bool) {
	return DeterministicJSON[T](), true
}

// JSON encodes values with encoding/json. It is not deterministic; the
// grouping engine will substitute DeterministicJSON when it needs one.
func JSON[T any]() coder.Coder[T] { return jsonCoder[T]{} }

type deterministicJSONCoder[T any] struct{}

func (deterministicJSONCoder[T]) Encode(v T) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through the generic representation. encoding/json sorts
	// map keys when marshaling map[string]any, which canonicalizes the
	// output regardless of how the original type marshaled itself.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func (deterministicJSONCoder[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return *new(T), err
	}
	return v, nil
}

func (deterministicJSONCoder[T]) Deterministic() bool { return true }

// DeterministicJSON is the canonicalized variant of JSON.
func DeterministicJSON[T any]() coder.Coder[T] { return deterministicJSONCoder[T]{} }

type anyJSONCoder struct{}

func (anyJSONCoder) Encode(v any) ([]byte, error) {
	return deterministicJSONCoder[any]{}.Encode(v)
}

func (anyJSONCoder) Decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (anyJSONCoder) Deterministic() bool { return true }

// FallbackJSON is a deterministic coder that accepts any value, suitable as a
// registry fallback. Decoding yields the generic JSON representation, not the
// original Go type, so it is meant for key encoding rather than round-trips.
func FallbackJSON() coder.AnyCoder { return anyJSONCoder{} }

package coders

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/flumehq/flume/coder"
)

type varIntCoder[T constraints.Integer] struct{}

func (varIntCoder[T]) Encode(v T) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, int64(v))
	return buf[:n], nil
}

func (varIntCoder[T]) Decode(b []byte) (T, error) {
	v, n := binary.Varint(b)
	if n <= 0 {
		return 0, fmt.Errorf("coders: malformed varint")
	}
	return T(v), nil
}

func (varIntCoder[T]) Deterministic() bool { return true }

// VarInt encodes any integer type as a zigzag varint.
func VarInt[T constraints.Integer]() coder.Coder[T] { return varIntCoder[T]{} }

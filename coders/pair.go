package coders

import (
	"encoding/binary"
	"fmt"

	"github.com/flumehq/flume/coder"
)

type pairCoder[A, B any] struct {
	first  coder.Coder[A]
	second coder.Coder[B]
}

func (c pairCoder[A, B]) Encode(v Pair2[A, B]) ([]byte, error) {
	fst, err := c.first.Encode(v.First)
	if err != nil {
		return nil, err
	}
	snd, err := c.second.Encode(v.Second)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(fst)+len(snd)+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(fst)))
	buf = append(buf, fst...)
	buf = append(buf, snd...)
	return buf, nil
}

func (c pairCoder[A, B]) Decode(b []byte) (Pair2[A, B], error) {
	var zero Pair2[A, B]
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < length {
		return zero, fmt.Errorf("coders: malformed pair framing")
	}
	b = b[n:]
	fst, err := c.first.Decode(b[:length])
	if err != nil {
		return zero, err
	}
	snd, err := c.second.Decode(b[length:])
	if err != nil {
		return zero, err
	}
	return Pair2[A, B]{First: fst, Second: snd}, nil
}

func (c pairCoder[A, B]) Deterministic() bool {
	return c.first.Deterministic() && c.second.Deterministic()
}

// Pair2 is the value shape encoded by Pair.
type Pair2[A, B any] struct {
	First  A
	Second B
}

// Pair length-prefixes the first component so the concatenation is
// unambiguous; it is deterministic iff both component coders are.
func Pair[A, B any](first coder.Coder[A], second coder.Coder[B]) coder.Coder[Pair2[A, B]] {
	return pairCoder[A, B]{first: first, second: second}
}

package coders

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flumehq/flume/coder"
)

type float64Coder struct{}

func (float64Coder) Encode(v float64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf, nil
}

func (float64Coder) Decode(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("coders: float64 payload must be 8 bytes, got %d", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// Deterministic holds for the bit-level encoding. Callers grouping on floats
// should be aware that NaN has many bit patterns; we encode whatever bits the
// value carries.
func (float64Coder) Deterministic() bool { return true }

// Float64 encodes float64 values as big-endian IEEE 754 bits.
func Float64() coder.Coder[float64] { return float64Coder{} }

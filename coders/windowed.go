package coders

import (
	"encoding/binary"
	"fmt"

	"github.com/flumehq/flume/coder"
	"github.com/flumehq/flume/window"
)

// WindowedKey pairs a key with the window instance its group belongs to.
// Its encoding is what state stores key grouped values by.
type WindowedKey[K any] struct {
	Key    K
	Window window.Window
}

const (
	windowTagGlobal   = 0
	windowTagInterval = 1
)

type windowedKeyCoder[K any] struct {
	key coder.Coder[K]
}

func (c windowedKeyCoder[K]) Encode(wk WindowedKey[K]) ([]byte, error) {
	keyBytes, err := c.key.Encode(wk.Key)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(keyBytes)+1+16+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(keyBytes)))
	buf = append(buf, keyBytes...)

	switch w := wk.Window.(type) {
	case window.GlobalWindow:
		buf = append(buf, windowTagGlobal)
	case window.IntervalWindow:
		buf = append(buf, windowTagInterval)
		buf = binary.BigEndian.AppendUint64(buf, uint64(w.Start))
		buf = binary.BigEndian.AppendUint64(buf, uint64(w.End))
	default:
		return nil, fmt.Errorf("coders: unsupported window type %T", wk.Window)
	}
	return buf, nil
}

func (c windowedKeyCoder[K]) Decode(b []byte) (WindowedKey[K], error) {
	var zero WindowedKey[K]
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < length+1 {
		return zero, fmt.Errorf("coders: malformed windowed key framing")
	}
	b = b[n:]

	key, err := c.key.Decode(b[:length])
	if err != nil {
		return zero, err
	}
	b = b[length:]

	switch b[0] {
	case windowTagGlobal:
		return WindowedKey[K]{Key: key, Window: window.GlobalWindow{}}, nil
	case windowTagInterval:
		if len(b) < 17 {
			return zero, fmt.Errorf("coders: truncated interval window")
		}
		return WindowedKey[K]{
			Key: key,
			Window: window.IntervalWindow{
				Start: int64(binary.BigEndian.Uint64(b[1:9])),
				End:   int64(binary.BigEndian.Uint64(b[9:17])),
			},
		}, nil
	default:
		return zero, fmt.Errorf("coders: unknown window tag %d", b[0])
	}
}

func (c windowedKeyCoder[K]) Deterministic() bool { return c.key.Deterministic() }

// Windowed builds a coder for (key, window) pairs on top of a key coder.
// The key is length-prefixed so the window encoding is unambiguous.
func Windowed[K any](key coder.Coder[K]) coder.Coder[WindowedKey[K]] {
	return windowedKeyCoder[K]{key: key}
}

// Package coders provides ready-made coders for common types, including the
// deterministic variants the grouping engine substitutes for non-deterministic
// ones.
package coders

import "github.com/flumehq/flume/coder"

type stringCoder struct{}

func (stringCoder) Encode(s string) ([]byte, error) { return []byte(s), nil }

func (stringCoder) Decode(b []byte) (string, error) { return string(b), nil }

func (stringCoder) Deterministic() bool { return true }

// String encodes strings as their raw bytes.
func String() coder.Coder[string] { return stringCoder{} }

type bytesCoder struct{}

func (bytesCoder) Encode(b []byte) ([]byte, error) { return b, nil }

func (bytesCoder) Decode(b []byte) ([]byte, error) { return b, nil }

func (bytesCoder) Deterministic() bool { return true }

// Bytes is the identity coder.
func Bytes() coder.Coder[[]byte] { return bytesCoder{} }

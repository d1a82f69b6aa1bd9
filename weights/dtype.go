package weights

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is a safetensors element type.
type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
	I16  DType = "I16"
	I8   DType = "I8"
	U8   DType = "U8"
	Bool DType = "BOOL"
)

// Size returns the element width in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16, I16:
		return 2
	case I8, U8, Bool:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	switch d {
	case F64, F32, F16, BF16:
		return true
	}
	return false
}

// TorchName returns the torch dtype name used in offload indexes.
func (d DType) TorchName() string {
	switch d {
	case F64:
		return "float64"
	case F32:
		return "float32"
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	case I64:
		return "int64"
	case I32:
		return "int32"
	case I16:
		return "int16"
	case I8:
		return "int8"
	case U8:
		return "uint8"
	case Bool:
		return "bool"
	}
	return string(d)
}

// ParseTorchName is the inverse of TorchName.
func ParseTorchName(name string) (DType, error) {
	for _, d := range []DType{F64, F32, F16, BF16, I64, I32, I16, I8, U8, Bool} {
		if d.TorchName() == name {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, name)
}

// Cast converts little-endian raw data of type from into type to.
// Non-float tensors are returned unchanged with their own type, matching how
// a half-precision load only casts floating point parameters. An empty to
// keeps the source type.
func Cast(raw []byte, from, to DType) ([]byte, DType, error) {
	if to == "" || from == to || !from.IsFloat() {
		return raw, from, nil
	}
	if from.Size() == 0 || len(raw)%from.Size() != 0 {
		return nil, "", fmt.Errorf("%w: %d bytes is not a multiple of %s", ErrInvalidTensor, len(raw), from)
	}

	f32s, err := decodeFloat32(raw, from)
	if err != nil {
		return nil, "", err
	}

	switch to {
	case F16:
		out := make([]byte, len(f32s)*2)
		for i, v := range f32s {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, F16, nil
	case F32:
		out := make([]byte, len(f32s)*4)
		for i, v := range f32s {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, F32, nil
	default:
		return nil, "", fmt.Errorf("%w: cast to %s", ErrUnsupportedDType, to)
	}
}

// ToFloat16 casts floating point data to half precision.
func ToFloat16(raw []byte, from DType) ([]byte, DType, error) {
	return Cast(raw, from, F16)
}

func decodeFloat32(raw []byte, from DType) ([]float32, error) {
	switch from {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	case F64:
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, from)
	}
}

// Package weights reads safetensors checkpoints and places their tensors in
// memory or in an on-disk offload folder.
package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// maxHeaderSize bounds the JSON header read from a file.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

var (
	ErrInvalidHeader    = errors.New("weights: invalid safetensors header")
	ErrInvalidTensor    = errors.New("weights: invalid tensor")
	ErrUnsupportedDType = errors.New("weights: unsupported dtype")
	ErrTensorNotFound   = errors.New("weights: tensor not found")
	ErrEmptyWeights     = errors.New("weights: tensor has no data")
)

// TensorInfo describes one tensor of a safetensors file.
type TensorInfo struct {
	Name    string   `json:"-"`
	DType   DType    `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// NumElements returns the product of the shape.
func (t TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ByteSize returns the stored size in bytes.
func (t TensorInfo) ByteSize() int64 {
	return t.Offsets[1] - t.Offsets[0]
}

// Header is the parsed header of one safetensors file.
type Header struct {
	Path string

	// DataOffset is where tensor data starts: 8 + header length.
	DataOffset int64

	// Tensors is sorted by name.
	Tensors  []TensorInfo
	Metadata map[string]string
}

// ReadHeader parses the header of the safetensors file at path and checks
// every tensor's offsets against the file size and its dtype and shape.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}
	if n <= 0 || n > maxHeaderSize || 8+n > st.Size() {
		return nil, fmt.Errorf("%w: %s: header length %d", ErrInvalidHeader, path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}

	h := &Header{Path: path, DataOffset: 8 + n}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s: metadata: %v", ErrInvalidHeader, path, err)
		}
		delete(raw, metadataKey)
	}

	dataSize := st.Size() - h.DataOffset
	for name, msg := range raw {
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrInvalidHeader, path, name, err)
		}
		info.Name = name
		if err := validateTensor(info, dataSize); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		h.Tensors = append(h.Tensors, info)
	}
	sort.Slice(h.Tensors, func(i, j int) bool { return h.Tensors[i].Name < h.Tensors[j].Name })
	return h, nil
}

// checkTensorName rejects names that cannot be used as a file name inside
// an offload folder.
func checkTensorName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: tensor name %q", ErrInvalidTensor, name)
	}
	return nil
}

func validateTensor(info TensorInfo, dataSize int64) error {
	if err := checkTensorName(info.Name); err != nil {
		return err
	}
	if info.DType.Size() == 0 {
		return fmt.Errorf("%w: tensor %s: %q", ErrUnsupportedDType, info.Name, info.DType)
	}
	start, end := info.Offsets[0], info.Offsets[1]
	if start < 0 || end < start || end > dataSize {
		return fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes",
			ErrInvalidTensor, info.Name, start, end, dataSize)
	}
	for _, d := range info.Shape {
		if d < 0 {
			return fmt.Errorf("%w: tensor %s: negative dimension", ErrInvalidTensor, info.Name)
		}
	}
	if want := info.NumElements() * int64(info.DType.Size()); want != end-start {
		return fmt.Errorf("%w: tensor %s: %d bytes for shape %v of %s, want %d",
			ErrInvalidTensor, info.Name, end-start, info.Shape, info.DType, want)
	}
	return nil
}

// Tensor is a named tensor with its data, used when writing files.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// WriteSafetensors writes tensors to w in safetensors format. Tensors are laid
// out in name order and the header is space-padded to an 8-byte boundary.
func WriteSafetensors(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]interface{}, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range sorted {
		info := TensorInfo{Name: t.Name, DType: t.DType, Shape: t.Shape}
		if info.Shape == nil {
			info.Shape = []int64{}
		}
		info.Offsets = [2]int64{offset, offset + int64(len(t.Data))}
		if err := validateTensor(info, info.Offsets[1]); err != nil {
			return err
		}
		header[t.Name] = info
		offset += int64(len(t.Data))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), 8-pad)...)
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(hb))); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, t := range sorted {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteSafetensorsFile writes tensors to path.
func WriteSafetensorsFile(path string, tensors []Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSafetensors(f, tensors, metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

package weights

import (
	"fmt"
	"os"
	"sort"
)

type tensorRef struct {
	file *Header
	info TensorInfo
}

// Checkpoint indexes the tensors of one or more safetensors files.
type Checkpoint struct {
	Files []*Header
	index map[string]tensorRef
	names []string
}

// OpenCheckpoint reads the headers of paths. A tensor name may appear in only
// one file.
func OpenCheckpoint(paths ...string) (*Checkpoint, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no checkpoint files", ErrInvalidHeader)
	}
	c := &Checkpoint{index: make(map[string]tensorRef)}
	for _, p := range paths {
		h, err := ReadHeader(p)
		if err != nil {
			return nil, err
		}
		c.Files = append(c.Files, h)
		for _, t := range h.Tensors {
			if prev, ok := c.index[t.Name]; ok {
				return nil, fmt.Errorf("%w: duplicate tensor %s in %s and %s",
					ErrInvalidTensor, t.Name, prev.file.Path, p)
			}
			c.index[t.Name] = tensorRef{file: h, info: t}
			c.names = append(c.names, t.Name)
		}
	}
	sort.Strings(c.names)
	return c, nil
}

// Names returns all tensor names in sorted order.
func (c *Checkpoint) Names() []string {
	return c.names
}

// Info returns the stored description of a tensor.
func (c *Checkpoint) Info(name string) (TensorInfo, bool) {
	ref, ok := c.index[name]
	return ref.info, ok
}

// TotalBytes returns the stored size of all tensors.
func (c *Checkpoint) TotalBytes() int64 {
	var n int64
	for _, ref := range c.index {
		n += ref.info.ByteSize()
	}
	return n
}

// ReadRaw reads the stored bytes of a tensor.
func (c *Checkpoint) ReadRaw(name string) ([]byte, error) {
	ref, ok := c.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	f, err := os.Open(ref.file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, ref.info.ByteSize())
	if _, err := f.ReadAt(buf, ref.file.DataOffset+ref.info.Offsets[0]); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, nil
}

// ReadAs reads a tensor and casts it to dtype. An empty dtype keeps the
// stored type. The returned info carries the resulting dtype.
func (c *Checkpoint) ReadAs(name string, dtype DType) ([]byte, TensorInfo, error) {
	raw, err := c.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	info := c.index[name].info
	data, out, err := Cast(raw, info.DType, dtype)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	info.DType = out
	info.Offsets = [2]int64{0, int64(len(data))}
	return data, info, nil
}

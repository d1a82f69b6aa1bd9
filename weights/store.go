package weights

import (
	"context"
	"fmt"
	"sort"
)

// Store gives access to the tensors of a loaded model component.
type Store interface {
	Names() []string
	Info(name string) (TensorInfo, bool)
	Tensor(name string) ([]byte, error)

	// ResidentBytes is the amount of tensor data held in memory.
	ResidentBytes() int64
}

// ResidentStore holds every tensor in memory.
type ResidentStore struct {
	infos map[string]TensorInfo
	data  map[string][]byte
	names []string
	bytes int64
}

func newResidentStore() *ResidentStore {
	return &ResidentStore{
		infos: make(map[string]TensorInfo),
		data:  make(map[string][]byte),
	}
}

func (s *ResidentStore) put(info TensorInfo, data []byte) {
	if _, ok := s.infos[info.Name]; !ok {
		s.names = append(s.names, info.Name)
	}
	s.infos[info.Name] = info
	s.data[info.Name] = data
	s.bytes += int64(len(data))
}

func (s *ResidentStore) Names() []string {
	names := append([]string(nil), s.names...)
	sort.Strings(names)
	return names
}

func (s *ResidentStore) Info(name string) (TensorInfo, bool) {
	info, ok := s.infos[name]
	return info, ok
}

func (s *ResidentStore) Tensor(name string) ([]byte, error) {
	data, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return data, nil
}

func (s *ResidentStore) ResidentBytes() int64 { return s.bytes }

// LoadResident reads every tensor of ckpt into memory, casting floating point
// tensors to dtype. This is the direct load path used when weights are not
// dispatched.
func LoadResident(ctx context.Context, ckpt *Checkpoint, dtype DType) (*ResidentStore, error) {
	s := newResidentStore()
	for _, name := range ckpt.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, info, err := ckpt.ReadAs(name, dtype)
		if err != nil {
			return nil, err
		}
		s.put(info, data)
	}
	return s, nil
}

// Shell describes a model's parameters without allocating their data.
// Dispatch fills a shell from a checkpoint.
type Shell struct {
	infos map[string]TensorInfo
	names []string
}

// EmptyShell builds a shell with the names and shapes of ckpt, cast to dtype.
func EmptyShell(ckpt *Checkpoint, dtype DType) *Shell {
	s := &Shell{infos: make(map[string]TensorInfo, len(ckpt.Names()))}
	for _, name := range ckpt.Names() {
		info, _ := ckpt.Info(name)
		if dtype != "" && info.DType.IsFloat() {
			info.DType = dtype
		}
		info.Offsets = [2]int64{0, info.NumElements() * int64(info.DType.Size())}
		s.infos[name] = info
		s.names = append(s.names, name)
	}
	return s
}

func (s *Shell) Names() []string { return s.names }

func (s *Shell) Info(name string) (TensorInfo, bool) {
	info, ok := s.infos[name]
	return info, ok
}

// Tensor always fails: a shell has no data.
func (s *Shell) Tensor(name string) ([]byte, error) {
	if _, ok := s.infos[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrEmptyWeights, name)
}

func (s *Shell) ResidentBytes() int64 { return 0 }

package weights

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// OffloadIndexFile lists the tensors of an offload folder.
const OffloadIndexFile = "index.json"

type offloadEntry struct {
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
}

// OffloadStore serves tensors written to an offload folder, one
// "<name>.dat" file per tensor, read on demand.
type OffloadStore struct {
	folder string

	mu    sync.Mutex
	index map[string]offloadEntry
}

// NewOffloadStore prepares folder for writing. An existing index is kept.
func NewOffloadStore(folder string) (*OffloadStore, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create offload folder: %w", err)
	}
	s := &OffloadStore{folder: folder, index: make(map[string]offloadEntry)}
	existing, err := readOffloadIndex(folder)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for k, v := range existing {
		s.index[k] = v
	}
	return s, nil
}

// OpenOffloadStore opens a folder previously written by an OffloadStore.
func OpenOffloadStore(folder string) (*OffloadStore, error) {
	index, err := readOffloadIndex(folder)
	if err != nil {
		return nil, err
	}
	return &OffloadStore{folder: folder, index: index}, nil
}

// Folder returns the offload directory.
func (s *OffloadStore) Folder() string { return s.folder }

// Write stores one tensor. Safe for concurrent use.
func (s *OffloadStore) Write(info TensorInfo, data []byte) error {
	if err := checkTensorName(info.Name); err != nil {
		return err
	}
	if want := info.NumElements() * int64(info.DType.Size()); want != int64(len(data)) {
		return fmt.Errorf("%w: offload %s: %d bytes, want %d", ErrInvalidTensor, info.Name, len(data), want)
	}
	if err := os.WriteFile(s.tensorPath(info.Name), data, 0o644); err != nil {
		return fmt.Errorf("offload %s: %w", info.Name, err)
	}
	s.mu.Lock()
	s.index[info.Name] = offloadEntry{DType: info.DType.TorchName(), Shape: info.Shape}
	s.mu.Unlock()
	return nil
}

// SaveIndex writes index.json for the tensors written so far.
func (s *OffloadStore) SaveIndex() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.folder, OffloadIndexFile), data, 0o644)
}

func (s *OffloadStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.index))
	for name := range s.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *OffloadStore) Info(name string) (TensorInfo, bool) {
	s.mu.Lock()
	e, ok := s.index[name]
	s.mu.Unlock()
	if !ok {
		return TensorInfo{}, false
	}
	dtype, err := ParseTorchName(e.DType)
	if err != nil {
		return TensorInfo{}, false
	}
	info := TensorInfo{Name: name, DType: dtype, Shape: e.Shape}
	info.Offsets = [2]int64{0, info.NumElements() * int64(dtype.Size())}
	return info, true
}

// Tensor reads an offloaded tensor from disk.
func (s *OffloadStore) Tensor(name string) ([]byte, error) {
	info, ok := s.Info(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	data, err := os.ReadFile(s.tensorPath(name))
	if err != nil {
		return nil, fmt.Errorf("read offloaded %s: %w", name, err)
	}
	if int64(len(data)) != info.ByteSize() {
		return nil, fmt.Errorf("%w: offloaded %s has %d bytes, want %d", ErrInvalidTensor, name, len(data), info.ByteSize())
	}
	return data, nil
}

// ResidentBytes is always zero: offloaded data stays on disk.
func (s *OffloadStore) ResidentBytes() int64 { return 0 }

func (s *OffloadStore) tensorPath(name string) string {
	return filepath.Join(s.folder, name+".dat")
}

func readOffloadIndex(folder string) (map[string]offloadEntry, error) {
	data, err := os.ReadFile(filepath.Join(folder, OffloadIndexFile))
	if err != nil {
		return nil, err
	}
	var index map[string]offloadEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse offload index: %w", err)
	}
	for name := range index {
		if err := checkTensorName(name); err != nil {
			return nil, fmt.Errorf("offload index: %w", err)
		}
	}
	return index, nil
}

package weights

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Devices a tensor can be placed on.
const (
	DeviceCPU  = "cpu"
	DeviceDisk = "disk"
)

// DeviceMap assigns module name prefixes to devices. The empty prefix
// matches every tensor.
type DeviceMap map[string]string

// AllOn maps every tensor to device.
func AllOn(device string) DeviceMap {
	return DeviceMap{"": device}
}

// DeviceFor returns the device of the longest matching prefix, or cpu.
// A prefix matches a whole dotted module path, so "unet.down" matches
// "unet.down.0.weight" but not "unet.downsample.weight".
func (m DeviceMap) DeviceFor(name string) string {
	best, device := -1, DeviceCPU
	for prefix, d := range m {
		if prefix != "" && name != prefix && !strings.HasPrefix(name, prefix+".") {
			continue
		}
		if len(prefix) > best {
			best, device = len(prefix), d
		}
	}
	return device
}

// DispatchOptions controls Dispatch.
type DispatchOptions struct {
	DeviceMap DeviceMap

	// OffloadFolder receives tensors mapped to disk.
	OffloadFolder string

	// OffloadStateDict stages cpu tensors on disk while streaming and reads
	// them back at the end, bounding peak memory to one tensor per worker.
	OffloadStateDict bool

	// DType is the type floating point tensors are cast to. Empty keeps the
	// stored type.
	DType DType

	// Parallelism bounds concurrent tensor reads and writes.
	// Zero uses GOMAXPROCS.
	Parallelism int
}

// DispatchedStore combines memory-resident and disk-offloaded tensors.
type DispatchedStore struct {
	resident *ResidentStore
	offload  *OffloadStore
	devices  map[string]string
}

// Device reports where a tensor was placed.
func (s *DispatchedStore) Device(name string) string {
	return s.devices[name]
}

// Offloaded returns the number of tensors kept on disk.
func (s *DispatchedStore) Offloaded() int {
	if s.offload == nil {
		return 0
	}
	return len(s.offload.Names())
}

func (s *DispatchedStore) Names() []string {
	names := s.resident.Names()
	if s.offload != nil {
		names = append(names, s.offload.Names()...)
		sort.Strings(names)
	}
	return names
}

func (s *DispatchedStore) Info(name string) (TensorInfo, bool) {
	if info, ok := s.resident.Info(name); ok {
		return info, true
	}
	if s.offload != nil {
		return s.offload.Info(name)
	}
	return TensorInfo{}, false
}

func (s *DispatchedStore) Tensor(name string) ([]byte, error) {
	if _, ok := s.resident.Info(name); ok {
		return s.resident.Tensor(name)
	}
	if s.offload != nil {
		return s.offload.Tensor(name)
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}

func (s *DispatchedStore) ResidentBytes() int64 { return s.resident.ResidentBytes() }

// Dispatch streams the tensors of ckpt into the parameters described by
// shell, placing each on the device its name maps to. Tensors on disk are
// written to OffloadFolder with an index.json. Every shell parameter must be
// present in the checkpoint.
func Dispatch(ctx context.Context, shell *Shell, ckpt *Checkpoint, opts DispatchOptions) (*DispatchedStore, error) {
	for _, name := range shell.Names() {
		if _, ok := ckpt.Info(name); !ok {
			return nil, fmt.Errorf("%w: %s missing from checkpoint", ErrTensorNotFound, name)
		}
	}
	if opts.DeviceMap == nil {
		opts.DeviceMap = AllOn(DeviceCPU)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	devices := make(map[string]string, len(shell.Names()))
	needDisk := false
	for _, name := range shell.Names() {
		d := opts.DeviceMap.DeviceFor(name)
		if d != DeviceCPU && d != DeviceDisk {
			return nil, fmt.Errorf("weights: unsupported device %q for %s", d, name)
		}
		devices[name] = d
		needDisk = needDisk || d == DeviceDisk
	}
	if (needDisk || opts.OffloadStateDict) && opts.OffloadFolder == "" {
		return nil, fmt.Errorf("weights: offload folder required for disk placement")
	}

	var (
		offload *OffloadStore
		staging *OffloadStore
		err     error
	)
	if needDisk {
		if offload, err = NewOffloadStore(opts.OffloadFolder); err != nil {
			return nil, err
		}
	}
	if opts.OffloadStateDict {
		stagingDir := filepath.Join(opts.OffloadFolder, ".state_dict-"+uuid.NewString())
		if staging, err = NewOffloadStore(stagingDir); err != nil {
			return nil, err
		}
		defer os.RemoveAll(stagingDir)
	}

	resident := newResidentStore()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, name := range shell.Names() {
		device := devices[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, info, err := ckpt.ReadAs(name, opts.DType)
			if err != nil {
				return err
			}
			switch {
			case device == DeviceDisk:
				return offload.Write(info, data)
			case staging != nil:
				return staging.Write(info, data)
			default:
				mu.Lock()
				resident.put(info, data)
				mu.Unlock()
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if offload != nil {
		if err := offload.SaveIndex(); err != nil {
			return nil, fmt.Errorf("save offload index: %w", err)
		}
	}
	if staging != nil {
		for _, name := range staging.Names() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			info, _ := staging.Info(name)
			data, err := staging.Tensor(name)
			if err != nil {
				return nil, err
			}
			resident.put(info, data)
		}
	}

	return &DispatchedStore{resident: resident, offload: offload, devices: devices}, nil
}

package weights

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func u16s(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

// writeCheckpoint writes a small safetensors file and returns its path.
func writeCheckpoint(t *testing.T, dir, name string, tensors ...Tensor) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := WriteSafetensorsFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return path
}

func sampleTensors() []Tensor {
	return []Tensor{
		{Name: "unet.conv_in.weight", DType: F32, Shape: []int64{2, 2}, Data: f32Bytes(1, -2, 0.5, 0)},
		{Name: "unet.conv_in.bias", DType: F32, Shape: []int64{2}, Data: f32Bytes(0.25, 4)},
		{Name: "vae.decoder.weight", DType: F32, Shape: []int64{3}, Data: f32Bytes(1, 1, 1)},
		{Name: "text_encoder.position_ids", DType: I64, Shape: []int64{1}, Data: make([]byte, 8)},
	}
}

func TestReadHeader(t *testing.T) {
	path := writeCheckpoint(t, t.TempDir(), "model.safetensors", sampleTensors()...)

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if h.DataOffset%8 != 0 {
		t.Errorf("DataOffset = %d, want 8-byte aligned", h.DataOffset)
	}
	if h.Metadata["format"] != "pt" {
		t.Errorf("Metadata = %v", h.Metadata)
	}
	if len(h.Tensors) != 4 {
		t.Fatalf("got %d tensors, want 4", len(h.Tensors))
	}
	if h.Tensors[0].Name != "text_encoder.position_ids" {
		t.Errorf("tensors not sorted: first is %s", h.Tensors[0].Name)
	}
	for _, ti := range h.Tensors {
		if ti.Name == metadataKey {
			t.Error("metadata should not be listed as a tensor")
		}
	}
}

func TestReadHeaderInvalid(t *testing.T) {
	dir := t.TempDir()

	lengthOnly := new(bytes.Buffer)
	_ = binary.Write(lengthOnly, binary.LittleEndian, int64(1000))

	badOffsets := new(bytes.Buffer)
	hdr := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	_ = binary.Write(badOffsets, binary.LittleEndian, int64(len(hdr)))
	badOffsets.Write(hdr)
	badOffsets.Write(make([]byte, 8))

	badShape := new(bytes.Buffer)
	hdr = []byte(`{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`)
	_ = binary.Write(badShape, binary.LittleEndian, int64(len(hdr)))
	badShape.Write(hdr)
	badShape.Write(make([]byte, 8))

	badDType := new(bytes.Buffer)
	hdr = []byte(`{"w":{"dtype":"F8_E4M3","shape":[8],"data_offsets":[0,8]}}`)
	_ = binary.Write(badDType, binary.LittleEndian, int64(len(hdr)))
	badDType.Write(hdr)
	badDType.Write(make([]byte, 8))

	rawHeader := func(hdr string) []byte {
		buf := new(bytes.Buffer)
		_ = binary.Write(buf, binary.LittleEndian, int64(len(hdr)))
		buf.WriteString(hdr)
		buf.Write(make([]byte, 4))
		return buf.Bytes()
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte{1, 2, 3}, ErrInvalidHeader},
		{"parent dir name", rawHeader(`{"../../escape":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`), ErrInvalidTensor},
		{"slash name", rawHeader(`{"unet/conv":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`), ErrInvalidTensor},
		{"backslash name", rawHeader(`{"unet\\conv":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`), ErrInvalidTensor},
		{"length past end", lengthOnly.Bytes(), ErrInvalidHeader},
		{"offsets past end", badOffsets.Bytes(), ErrInvalidTensor},
		{"shape mismatch", badShape.Bytes(), ErrInvalidTensor},
		{"unknown dtype", badDType.Bytes(), ErrUnsupportedDType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := ReadHeader(path); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCast(t *testing.T) {
	out, dtype, err := ToFloat16(f32Bytes(1, -2, 0.5), F32)
	if err != nil {
		t.Fatalf("ToFloat16 failed: %v", err)
	}
	if dtype != F16 {
		t.Errorf("dtype = %s, want F16", dtype)
	}
	want := []uint16{0x3C00, 0xC000, 0x3800}
	for i, got := range u16s(out) {
		if got != want[i] {
			t.Errorf("element %d = %#04x, want %#04x", i, got, want[i])
		}
	}

	// bfloat16 1.0 is 0x3F80.
	out, _, err = ToFloat16([]byte{0x80, 0x3F}, BF16)
	if err != nil {
		t.Fatalf("bf16 cast failed: %v", err)
	}
	if got := u16s(out)[0]; got != 0x3C00 {
		t.Errorf("bf16 1.0 -> %#04x, want 0x3c00", got)
	}

	ints := make([]byte, 8)
	out, dtype, err = ToFloat16(ints, I64)
	if err != nil || dtype != I64 || len(out) != 8 {
		t.Errorf("int tensor should pass through, got %s %d bytes %v", dtype, len(out), err)
	}

	if _, _, err := Cast([]byte{1, 2, 3}, F32, F16); !errors.Is(err, ErrInvalidTensor) {
		t.Errorf("ragged input err = %v, want ErrInvalidTensor", err)
	}
}

func TestTorchNames(t *testing.T) {
	for _, d := range []DType{F32, F16, BF16, I64, U8, Bool} {
		got, err := ParseTorchName(d.TorchName())
		if err != nil || got != d {
			t.Errorf("ParseTorchName(%q) = %s, %v", d.TorchName(), got, err)
		}
	}
	if _, err := ParseTorchName("complex64"); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("err = %v, want ErrUnsupportedDType", err)
	}
}

func TestOpenCheckpointDuplicate(t *testing.T) {
	dir := t.TempDir()
	a := writeCheckpoint(t, dir, "a.safetensors", sampleTensors()[0])
	b := writeCheckpoint(t, dir, "b.safetensors", sampleTensors()[0])

	if _, err := OpenCheckpoint(a, b); !errors.Is(err, ErrInvalidTensor) {
		t.Errorf("err = %v, want ErrInvalidTensor", err)
	}
}

func TestLoadResident(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := OpenCheckpoint(
		writeCheckpoint(t, dir, "unet.safetensors", sampleTensors()[:2]...),
		writeCheckpoint(t, dir, "rest.safetensors", sampleTensors()[2:]...),
	)
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}

	store, err := LoadResident(context.Background(), ckpt, F16)
	if err != nil {
		t.Fatalf("LoadResident failed: %v", err)
	}
	if len(store.Names()) != 4 {
		t.Errorf("Names() = %v", store.Names())
	}
	info, _ := store.Info("unet.conv_in.weight")
	if info.DType != F16 {
		t.Errorf("weight dtype = %s, want F16", info.DType)
	}
	ids, _ := store.Info("text_encoder.position_ids")
	if ids.DType != I64 {
		t.Errorf("position_ids dtype = %s, want I64", ids.DType)
	}
	// 9 floats at 2 bytes plus one int64.
	if got := store.ResidentBytes(); got != 9*2+8 {
		t.Errorf("ResidentBytes = %d, want %d", got, 9*2+8)
	}
	data, err := store.Tensor("unet.conv_in.bias")
	if err != nil {
		t.Fatalf("Tensor failed: %v", err)
	}
	if got := u16s(data); got[0] != 0x3400 || got[1] != 0x4400 {
		t.Errorf("bias = %#v", got)
	}
}

func TestEmptyShell(t *testing.T) {
	ckpt, err := OpenCheckpoint(writeCheckpoint(t, t.TempDir(), "m.safetensors", sampleTensors()...))
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}
	shell := EmptyShell(ckpt, F16)
	info, ok := shell.Info("vae.decoder.weight")
	if !ok || info.DType != F16 || info.ByteSize() != 6 {
		t.Errorf("shell info = %+v", info)
	}
	if _, err := shell.Tensor("vae.decoder.weight"); !errors.Is(err, ErrEmptyWeights) {
		t.Errorf("err = %v, want ErrEmptyWeights", err)
	}
	if shell.ResidentBytes() != 0 {
		t.Error("shell should hold no data")
	}
}

func TestDeviceFor(t *testing.T) {
	m := DeviceMap{"": DeviceCPU, "unet.down": DeviceDisk}
	tests := map[string]string{
		"unet.down.0.weight":     DeviceDisk,
		"unet.down":              DeviceDisk,
		"unet.downsample.weight": DeviceCPU,
		"vae.weight":             DeviceCPU,
	}
	for name, want := range tests {
		if got := m.DeviceFor(name); got != want {
			t.Errorf("DeviceFor(%q) = %s, want %s", name, got, want)
		}
	}
	if got := (DeviceMap{}).DeviceFor("x"); got != DeviceCPU {
		t.Errorf("empty map = %s, want cpu", got)
	}
}

func TestDispatchStateDictOffload(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := OpenCheckpoint(writeCheckpoint(t, dir, "m.safetensors", sampleTensors()...))
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}
	folder := filepath.Join(dir, "offload")

	store, err := Dispatch(context.Background(), EmptyShell(ckpt, F16), ckpt, DispatchOptions{
		DeviceMap:        AllOn(DeviceCPU),
		OffloadFolder:    folder,
		OffloadStateDict: true,
		DType:            F16,
		Parallelism:      2,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if store.Offloaded() != 0 {
		t.Errorf("Offloaded = %d, want 0", store.Offloaded())
	}
	if got := store.ResidentBytes(); got != 9*2+8 {
		t.Errorf("ResidentBytes = %d", got)
	}
	if store.Device("vae.decoder.weight") != DeviceCPU {
		t.Errorf("device = %s", store.Device("vae.decoder.weight"))
	}
	entries, _ := os.ReadDir(folder)
	for _, e := range entries {
		t.Errorf("staging left behind: %s", e.Name())
	}
}

func TestDispatchToDisk(t *testing.T) {
	dir := t.TempDir()
	ckpt, err := OpenCheckpoint(writeCheckpoint(t, dir, "m.safetensors", sampleTensors()...))
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}
	folder := filepath.Join(dir, "offload")

	store, err := Dispatch(context.Background(), EmptyShell(ckpt, F16), ckpt, DispatchOptions{
		DeviceMap:     DeviceMap{"": DeviceCPU, "unet": DeviceDisk},
		OffloadFolder: folder,
		DType:         F16,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if store.Offloaded() != 2 {
		t.Errorf("Offloaded = %d, want 2", store.Offloaded())
	}
	if store.Device("unet.conv_in.weight") != DeviceDisk {
		t.Errorf("unet weight on %s", store.Device("unet.conv_in.weight"))
	}
	if len(store.Names()) != 4 {
		t.Errorf("Names() = %v", store.Names())
	}

	reopened, err := OpenOffloadStore(folder)
	if err != nil {
		t.Fatalf("OpenOffloadStore failed: %v", err)
	}
	info, ok := reopened.Info("unet.conv_in.weight")
	if !ok || info.DType != F16 || len(info.Shape) != 2 {
		t.Errorf("reopened info = %+v, %v", info, ok)
	}
	data, err := reopened.Tensor("unet.conv_in.weight")
	if err != nil {
		t.Fatalf("Tensor failed: %v", err)
	}
	if got := u16s(data); got[0] != 0x3C00 || got[1] != 0xC000 {
		t.Errorf("offloaded data = %#v", got)
	}
}

func TestOffloadStoreRejectsUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "offload")
	store, err := NewOffloadStore(folder)
	if err != nil {
		t.Fatalf("NewOffloadStore failed: %v", err)
	}

	for _, name := range []string{"../escape", "a/b", "..", ""} {
		info := TensorInfo{Name: name, DType: F32, Shape: []int64{1}}
		if err := store.Write(info, f32Bytes(1)); !errors.Is(err, ErrInvalidTensor) {
			t.Errorf("Write(%q) err = %v, want ErrInvalidTensor", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.dat")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("tensor written outside the offload folder: %v", err)
	}

	index := []byte(`{"../escape":{"dtype":"float32","shape":[1]}}`)
	if err := os.WriteFile(filepath.Join(folder, OffloadIndexFile), index, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenOffloadStore(folder); !errors.Is(err, ErrInvalidTensor) {
		t.Errorf("OpenOffloadStore err = %v, want ErrInvalidTensor", err)
	}
}

func TestDispatchErrors(t *testing.T) {
	dir := t.TempDir()
	full, err := OpenCheckpoint(writeCheckpoint(t, dir, "full.safetensors", sampleTensors()...))
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}
	partial, err := OpenCheckpoint(writeCheckpoint(t, dir, "partial.safetensors", sampleTensors()[0]))
	if err != nil {
		t.Fatalf("OpenCheckpoint failed: %v", err)
	}

	if _, err := Dispatch(context.Background(), EmptyShell(full, F16), partial, DispatchOptions{}); !errors.Is(err, ErrTensorNotFound) {
		t.Errorf("missing tensor err = %v", err)
	}
	if _, err := Dispatch(context.Background(), EmptyShell(full, F16), full, DispatchOptions{OffloadStateDict: true}); err == nil {
		t.Error("expected error without offload folder")
	}
	if _, err := Dispatch(context.Background(), EmptyShell(full, F16), full, DispatchOptions{DeviceMap: AllOn("cuda:0")}); err == nil {
		t.Error("expected error for unsupported device")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dispatch(ctx, EmptyShell(full, F16), full, DispatchOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled err = %v", err)
	}
}

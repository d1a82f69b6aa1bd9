//go:build nooffload

package sdruntime_test

import (
	"context"
	"errors"
	"testing"

	"go_txt2img/sdruntime"
)

func TestLoadDispatchNotCompiledIn(t *testing.T) {
	if sdruntime.OffloadAvailable() {
		t.Fatal("OffloadAvailable() = true in a nooffload build")
	}

	f := newFixture(t, false)
	f.opts.Probe = func() bool { return true }
	_, err := sdruntime.NewLoader(f.opts).Load(context.Background())
	if !errors.Is(err, sdruntime.ErrOffloadUnavailable) || !errors.Is(err, sdruntime.ErrModelLoadFailed) {
		t.Fatalf("err = %v, want ErrOffloadUnavailable wrapped in ErrModelLoadFailed", err)
	}
}

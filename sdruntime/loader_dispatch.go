//go:build !nooffload

package sdruntime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go_txt2img/weights"
)

// OffloadAvailable reports whether tensor dispatch through an offload
// folder is compiled in. Build with -tags nooffload to remove it.
func OffloadAvailable() bool { return true }

// loadDispatched builds an empty shell per component and streams the
// checkpoint into it, every tensor mapped to the cpu and the state dict
// staged in the offload folder.
func (l *Loader) loadDispatched(ctx context.Context, p *Pipeline) error {
	p.OffloadFolder = l.opts.OffloadFolder
	for _, c := range weightComponents {
		comp := p.Components[c.name]
		ckpt, err := weights.OpenCheckpoint(comp.WeightsPath)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		shell := weights.EmptyShell(ckpt, weights.F16)
		store, err := weights.Dispatch(ctx, shell, ckpt, weights.DispatchOptions{
			DeviceMap:        weights.AllOn(weights.DeviceCPU),
			OffloadFolder:    l.opts.OffloadFolder,
			OffloadStateDict: true,
			DType:            weights.F16,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		comp.Weights = store
		l.logger.Debug("component dispatched",
			zap.String("component", c.name),
			zap.Int("tensors", len(store.Names())),
			zap.Int("offloaded", store.Offloaded()),
		)
	}
	return nil
}

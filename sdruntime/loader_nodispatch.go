//go:build nooffload

package sdruntime

import (
	"context"
	"fmt"
)

// OffloadAvailable reports whether tensor dispatch through an offload
// folder is compiled in. This build was made with -tags nooffload.
func OffloadAvailable() bool { return false }

func (l *Loader) loadDispatched(context.Context, *Pipeline) error {
	return fmt.Errorf("%w: built with nooffload", ErrOffloadUnavailable)
}

// Package sdruntime loads a Stable Diffusion pipeline from the model hub
// cache and generates images from text prompts.
//
// The package splits the work the way diffusers does:
//
//   - Loader: cache housekeeping, snapshot fetch, weight loading
//   - Pipeline: component weights, configs and memory-saving modes
//   - Engine: the diffusion model itself (native or remote)
//   - Generator: GenerateImage with fixed hyperparameters
//
// # Quick Start
//
//	loader := sdruntime.NewLoader(sdruntime.LoaderOptions{Logger: logger})
//	gen := sdruntime.NewGenerator(loader)
//
//	img, err := gen.GenerateImage(ctx, "A futuristic city")
//	if err != nil {
//	    return err
//	}
//	return sdruntime.SavePNG("futuristic_city.png", img)
//
// The first GenerateImage call loads the pipeline. Later calls reuse it.
//
// # Loading Strategies
//
// With offload support compiled in (the default), each component is built
// as an empty shell and its checkpoint streamed into it with every tensor
// mapped to the cpu, staging the state dict in the "offload" folder. Built
// with -tags nooffload, the loader logs
//
//	accelerate not found, using default loading
//
// and reads each checkpoint straight into memory in half precision. Both
// paths then enable sequential cpu offload and attention slicing.
//
// # Build Tags
//
//   - Stub mode (default): go build
//     NewEngine rejects the native engine with ErrBackendUnavailable; the
//     remote engine works
//
//   - Real mode: CGO_ENABLED=1 go build -tags sd
//     Requires stable-diffusion.cpp to be built and available
//
//   - nooffload: compiles out the dispatch loading path; forcing it through
//     LoaderOptions.Probe fails with ErrOffloadUnavailable
//
// # Error Handling
//
// Load failures are logged as "Failed to load model: <msg>" and returned
// wrapping both ErrModelLoadFailed and the cause:
//
//	_, err := loader.Load(ctx)
//	if errors.Is(err, sdruntime.ErrModelLoadFailed) && errors.Is(err, hub.ErrOffline) {
//	    // run once with network access
//	}
//
// Inference failures are logged as "Image generation failed: <msg>" and
// returned unchanged.
//
// # Thread Safety
//
// Loader and Generator are safe for concurrent use. Concurrent first calls
// share one load.
package sdruntime

// Package splat renders 3D Gaussian splats and trains them against images.
//
// # Overview
//
// A scene is a set of anisotropic 3D Gaussians ("splats"), each with a
// mean, rotation, scale, opacity and view-dependent color stored as
// spherical harmonics. Render projects the splats through a pinhole
// camera, sorts them into 16x16 pixel tiles front to back, and alpha
// composites every pixel. RenderBackward returns the gradient of a loss
// with respect to every splat parameter, so the scene can be fitted to
// photographs by gradient descent. RefineStep prunes and splits splats
// between optimizer steps.
//
// # Quick Start
//
//	import "github.com/gogpu/splat"
//
//	r := splat.NewRenderer()
//	defer r.Close()
//
//	img, state, err := r.Render(ctx, splats, cam)
//	if err != nil {
//		return err
//	}
//	grads, err := r.RenderBackward(ctx, state, lossGrad)
//
// # Training
//
// Trainer wires the pieces into a training loop: L1 loss, Adam updates per
// parameter group, and periodic refinement.
//
//	cfg, err := splat.LoadTrainConfig("train.toml")
//	t, err := splat.NewTrainer(r, splats, cfg, bounds.Extent(), rng)
//	for _, view := range views {
//		stats, err := t.Step(ctx, view)
//	}
//
// # Architecture
//
// The library is organized into:
//   - Public API: Splats, Camera, Renderer, RefineStep, Trainer
//   - Internal: kernels (projection, rasterization and their gradients),
//     prefixsum and radixsort (scan and sort primitives), optim (Adam)
//   - Execution: a worker pool that runs every kernel as a grid of
//     workgroups, and an optional GPU path for the raster stages
//
// # Coordinate System
//
// Camera space follows the usual computer vision convention:
//   - X increases right
//   - Y increases down
//   - Z increases forward, away from the camera
//
// Pixel (x, y) covers [x, x+1) x [y, y+1) and is sampled at its center.
package splat

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)

package splat

import (
	"errors"

	"github.com/gogpu/splat/internal/parallel"
)

var (
	// ErrTooManyIntersections is returned when the splats of one render
	// overlap more tiles than the renderer's intersection budget. The image
	// is never truncated.
	ErrTooManyIntersections = errors.New("splat: too many tile intersections")

	// ErrEmptyImage is returned for cameras with a zero-sized image.
	ErrEmptyImage = errors.New("splat: image has no pixels")

	// ErrShapeMismatch is returned when parallel arrays disagree in length.
	ErrShapeMismatch = errors.New("splat: shape mismatch")

	// ErrClosed is returned by a Renderer after Close.
	ErrClosed = parallel.ErrClosed
)

package splat

import (
	"github.com/chewxy/math32"

	"github.com/gogpu/splat/internal/parallel"
)

// SSIM constants for images in [0, 1].
const (
	ssimC1    = 0.01 * 0.01
	ssimC2    = 0.03 * 0.03
	ssimSigma = 1.5
)

// ssimWindow is a normalized 1D Gaussian applied separably with zero
// padding, so the 2D window is its outer product.
type ssimWindow []float32

func newSSIMWindow(size int) ssimWindow {
	w := make(ssimWindow, size)
	center := float32(size / 2)
	var sum float32
	for i := range w {
		d := float32(i) - center
		w[i] = math32.Exp(-d * d / (2 * ssimSigma * ssimSigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// blur writes the windowed mean of src into dst. tmp holds the horizontal
// pass. The window is symmetric, so blur is its own adjoint.
func (w ssimWindow) blur(dst, src, tmp []float32, width, height int) {
	r := len(w) / 2
	for y := range height {
		row := src[y*width : (y+1)*width]
		for x := range width {
			var acc float32
			for k, wk := range w {
				if sx := x + k - r; sx >= 0 && sx < width {
					acc += wk * row[sx]
				}
			}
			tmp[y*width+x] = acc
		}
	}
	for y := range height {
		for x := range width {
			var acc float32
			for k, wk := range w {
				if sy := y + k - r; sy >= 0 && sy < height {
					acc += wk * tmp[sy*width+x]
				}
			}
			dst[y*width+x] = acc
		}
	}
}

// ssim returns the mean structural similarity of the color channels of two
// RGBA images. When grad is non-nil it receives scale times the gradient of
// the mean with respect to pred, in RGBA layout with alpha untouched.
func ssim(pool *parallel.WorkerPool, win ssimWindow, pred, target []float32, width, height int, grad []float32, scale float32) (float32, error) {
	n := width * height
	if n == 0 {
		return 1, nil
	}
	var sums [3]float32
	err := pool.Dispatch(3, func(c int) {
		sums[c] = ssimChannel(win, pred, target, c, width, height, grad, scale/float32(n*3))
	})
	if err != nil {
		return 0, err
	}
	return (sums[0] + sums[1] + sums[2]) / float32(n*3), nil
}

// ssimChannel returns the summed SSIM map of channel c and, when grad is
// non-nil, writes gscale times its gradient into that channel.
func ssimChannel(win ssimWindow, pred, target []float32, c, width, height int, grad []float32, gscale float32) float32 {
	n := width * height
	buf := make([]float32, 9*n)
	x, y := buf[0:n], buf[n:2*n]
	mx, my := buf[2*n:3*n], buf[3*n:4*n]
	exx, eyy, exy := buf[4*n:5*n], buf[5*n:6*n], buf[6*n:7*n]
	tmp, prod := buf[7*n:8*n], buf[8*n:9*n]

	for p := range n {
		x[p] = pred[p*4+c]
		y[p] = target[p*4+c]
	}
	win.blur(mx, x, tmp, width, height)
	win.blur(my, y, tmp, width, height)
	for p := range n {
		prod[p] = x[p] * x[p]
	}
	win.blur(exx, prod, tmp, width, height)
	for p := range n {
		prod[p] = y[p] * y[p]
	}
	win.blur(eyy, prod, tmp, width, height)
	for p := range n {
		prod[p] = x[p] * y[p]
	}
	win.blur(exy, prod, tmp, width, height)

	var sum float32
	for p := range n {
		a1 := 2*mx[p]*my[p] + ssimC1
		a2 := 2*(exy[p]-mx[p]*my[p]) + ssimC2
		b1 := mx[p]*mx[p] + my[p]*my[p] + ssimC1
		b2 := (exx[p] - mx[p]*mx[p]) + (eyy[p] - my[p]*my[p]) + ssimC2
		s := a1 * a2 / (b1 * b2)
		sum += s
		if grad == nil {
			continue
		}
		// Partials with respect to the windowed moments of pred. The
		// moment buffers of target are no longer needed and hold them.
		dMx := 2*my[p]*(a2-a1)/(b1*b2) - 2*mx[p]*s/b1 + 2*mx[p]*s/b2
		dExx := -s / b2
		dExy := 2 * a1 / (b1 * b2)
		my[p] = gscale * dMx
		eyy[p] = gscale * dExx
		exy[p] = gscale * dExy
	}
	if grad == nil {
		return sum
	}

	win.blur(mx, my, tmp, width, height)
	win.blur(exx, eyy, tmp, width, height)
	win.blur(prod, exy, tmp, width, height)
	for p := range n {
		grad[p*4+c] += mx[p] + 2*x[p]*exx[p] + y[p]*prod[p]
	}
	return sum
}

// psnr returns the peak signal to noise ratio in dB of the color channels
// of two RGBA images with peak 1. Identical images give +Inf.
func psnr(pred, target []float32) float32 {
	pixels := len(pred) / 4
	if pixels == 0 {
		return math32.Inf(1)
	}
	var mse float32
	for p := range pixels {
		for c := range 3 {
			d := pred[p*4+c] - target[p*4+c]
			mse += d * d
		}
	}
	mse /= float32(pixels * 3)
	if mse == 0 {
		return math32.Inf(1)
	}
	return -10 * math32.Log10(mse)
}

package metacal

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// kGrid is a dense row-major complex grid of size n x n.
type kGrid struct {
	n    int
	data []complex128
}

func newKGrid(n int) *kGrid {
	return &kGrid{n: n, data: make([]complex128, n*n)}
}

func (g *kGrid) at(x, y int) complex128 { return g.data[y*g.n+x] }

// fft2 runs an unnormalized 2D transform in place: rows then columns.
// The inverse direction divides by n*n so that fft2(fft2(a, true), false) == a.
func fft2(g *kGrid, forward bool) {
	n := g.n
	fft := fourier.NewCmplxFFT(n)

	row := make([]complex128, n)
	for y := 0; y < n; y++ {
		copy(row, g.data[y*n:(y+1)*n])
		if forward {
			fft.Coefficients(row, row)
		} else {
			fft.Sequence(row, row)
		}
		copy(g.data[y*n:(y+1)*n], row)
	}

	col := make([]complex128, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = g.data[y*n+x]
		}
		if forward {
			fft.Coefficients(col, col)
		} else {
			fft.Sequence(col, col)
		}
		for y := 0; y < n; y++ {
			g.data[y*n+x] = col[y]
		}
	}

	if !forward {
		scale := complex(1/float64(n*n), 0)
		for i := range g.data {
			g.data[i] *= scale
		}
	}
}

// fftshift moves the zero frequency from index 0 to index n/2 on both axes.
func fftshift(g *kGrid) *kGrid {
	return roll(g, g.n/2)
}

// ifftshift undoes fftshift, also for odd n.
func ifftshift(g *kGrid) *kGrid {
	return roll(g, -(g.n / 2))
}

// roll returns a copy with out[(y+s)%n][(x+s)%n] = in[y][x].
func roll(g *kGrid, shift int) *kGrid {
	n := g.n
	out := newKGrid(n)
	s := ((shift % n) + n) % n
	for y := 0; y < n; y++ {
		yy := (y + s) % n
		for x := 0; x < n; x++ {
			out.data[yy*n+(x+s)%n] = g.data[y*n+x]
		}
	}
	return out
}

// padPlane embeds a width x height plane in the center of an n x n grid.
// The stamp center lands on index n/2.
func padPlane(plane []float64, width, height, n int) *kGrid {
	g := newKGrid(n)
	offX := n/2 - width/2
	offY := n/2 - height/2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g.data[(y+offY)*n+x+offX] = complex(plane[y*width+x], 0)
		}
	}
	return g
}

// cropPlane extracts the real part of the centered width x height window.
func cropPlane(g *kGrid, width, height int, dst []float64) {
	n := g.n
	offX := n/2 - width/2
	offY := n/2 - height/2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst[y*width+x] = real(g.data[(y+offY)*n+x+offX])
		}
	}
}

// centeredTransform returns fftshift(fft2(ifftshift(g))): the k-image of a
// centered profile with the zero frequency at index n/2 and no phase ramp.
func centeredTransform(g *kGrid) *kGrid {
	k := ifftshift(g)
	fft2(k, true)
	return fftshift(k)
}

// amplitudeTransform returns fftshift(|fft2(g)|), discarding the phase.
func amplitudeTransform(g *kGrid) *kGrid {
	k := &kGrid{n: g.n, data: make([]complex128, len(g.data))}
	copy(k.data, g.data)
	fft2(k, true)
	for i, v := range k.data {
		k.data[i] = complex(cmplx.Abs(v), 0)
	}
	return fftshift(k)
}

// inverseCentered returns fftshift(ifft2(ifftshift(k))).
func inverseCentered(k *kGrid) *kGrid {
	g := ifftshift(k)
	fft2(g, false)
	return fftshift(g)
}

// frequency returns the spatial frequency, in cycles per pixel, of index i
// in a centered grid of size n.
func frequency(i, n int) float64 {
	return float64(i-n/2) / float64(n)
}

// circularMask returns 1 where |k| <= radius cycles per pixel.
func circularMask(n int, radius float64) []float64 {
	mask := make([]float64, n*n)
	for y := 0; y < n; y++ {
		ky := frequency(y, n)
		for x := 0; x < n; x++ {
			kx := frequency(x, n)
			if math.Hypot(kx, ky) <= radius {
				mask[y*n+x] = 1
			}
		}
	}
	return mask
}

// sampleBilinear interpolates a centered k-grid at fractional index
// (fx, fy). Points outside the grid contribute zero.
func sampleBilinear(g *kGrid, fx, fy float64) complex128 {
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	var sum complex128
	for dy := 0; dy <= 1; dy++ {
		wy := 1 - ty
		if dy == 1 {
			wy = ty
		}
		if wy == 0 {
			continue
		}
		yy := y0 + dy
		if yy < 0 || yy >= g.n {
			continue
		}
		for dx := 0; dx <= 1; dx++ {
			wx := 1 - tx
			if dx == 1 {
				wx = tx
			}
			if wx == 0 {
				continue
			}
			xx := x0 + dx
			if xx < 0 || xx >= g.n {
				continue
			}
			sum += complex(wx*wy, 0) * g.at(xx, yy)
		}
	}
	return sum
}

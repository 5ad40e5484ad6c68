/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package metacal

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// Parameter layout of the elliptical Gaussian model.
const (
	gpAmplitude = iota
	gpBackground
	gpX0
	gpY0
	gpSigmaX
	gpSigmaY
	gpTheta
	gpCount
)

// GaussianFit is an elliptical Gaussian fitted to a stamp. Offsets are
// relative to the stamp center; Theta is the major-axis angle measured
// from +x towards +y.
type GaussianFit struct {
	Amplitude  float64
	Background float64
	OffsetX    float64
	OffsetY    float64
	SigmaX     float64
	SigmaY     float64
	Theta      float64
	RSquared   float64
}

// Sigma returns the geometric mean size sqrt(SigmaX*SigmaY).
func (f *GaussianFit) Sigma() float64 { return math.Sqrt(f.SigmaX * f.SigmaY) }

// FWHM returns the geometric mean full width at half maximum.
func (f *GaussianFit) FWHM() float64 { return f.Sigma() * sigmaToFWHM }

// Ellipticity returns the distortion (sx^2-sy^2)/(sx^2+sy^2) rotated by 2*Theta.
func (f *GaussianFit) Ellipticity() Shear {
	sx2, sy2 := f.SigmaX*f.SigmaX, f.SigmaY*f.SigmaY
	e := (sx2 - sy2) / (sx2 + sy2)
	return Shear{G1: e * math.Cos(2*f.Theta), G2: e * math.Sin(2*f.Theta)}
}

func (f *GaussianFit) String() string {
	return fmt.Sprintf("{Amplitude=%f, Background=%f, OffsetX=%f, OffsetY=%f, SigmaX=%f, SigmaY=%f, Theta=%f, RSquared=%f}",
		f.Amplitude, f.Background, f.OffsetX, f.OffsetY, f.SigmaX, f.SigmaY, f.Theta, f.RSquared)
}

// FitGaussian fits an elliptical Gaussian plus constant background to
// plane c of img. Starting values come from the stamp moments.
func FitGaussian(img *Image, c int) (*GaussianFit, error) {
	if err := img.checkPlane(c); err != nil {
		return nil, fmt.Errorf("cannot fit: %w", err)
	}
	plane := img.Plane(c)
	cx, cy := img.Center()

	coords := make([][2]float64, 0, len(plane))
	values := make([]float64, 0, len(plane))
	peak := math.Inf(-1)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			coords = append(coords, [2]float64{float64(x) - cx, float64(y) - cy})
			v := plane[y*img.Width+x]
			values = append(values, v)
			peak = math.Max(peak, v)
		}
	}
	background, _ := MedianMAD(values)
	background = math.Max(background, -peak)
	if len(values) < gpCount || peak <= 0 || peak <= background {
		return nil, fmt.Errorf("stamp has no positive signal to fit")
	}

	m, err := MeasureMoments(img, c, 0)
	if err != nil {
		return nil, err
	}
	half := 0.5 * (m.Qxx + m.Qyy)
	split := math.Sqrt(0.25*(m.Qxx-m.Qyy)*(m.Qxx-m.Qyy) + m.Qxy*m.Qxy)
	major := math.Sqrt(math.Max(half+split, 0.25))
	minor := math.Sqrt(math.Max(half-split, 0.25))
	theta0 := 0.5 * math.Atan2(2*m.Qxy, m.Qxx-m.Qyy)

	size := float64(max(img.Width, img.Height))
	x0 := []float64{peak - background, background, m.X - cx, m.Y - cy, major, minor, theta0}
	lower := []float64{0, -peak, -size / 4, -size / 4, 0.1, 0.1, -math.Pi}
	upper := []float64{10 * peak, peak, size / 4, size / 4, size, size, math.Pi}

	p := &gaussianProblem{coords: coords, values: values}
	solution := p.levenbergMarquardt(x0, lower, upper, 1e-10, 200)
	for i, v := range solution {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("gaussian fit produced a non-finite parameter %d", i)
		}
	}

	sigX, sigY := solution[gpSigmaX], solution[gpSigmaY]
	theta := solution[gpTheta]
	if sigY > sigX {
		sigX, sigY = sigY, sigX
		theta += math.Pi / 2
	}
	theta = wrapHalfPi(theta)

	return &GaussianFit{
		Amplitude:  solution[gpAmplitude],
		Background: solution[gpBackground],
		OffsetX:    solution[gpX0],
		OffsetY:    solution[gpY0],
		SigmaX:     sigX,
		SigmaY:     sigY,
		Theta:      theta,
		RSquared:   p.rSquared(solution),
	}, nil
}

// wrapHalfPi maps an axis angle into (-pi/2, pi/2].
func wrapHalfPi(theta float64) float64 {
	t := math.Mod(math.Mod(theta, math.Pi)+math.Pi, math.Pi)
	if t > math.Pi/2 {
		t -= math.Pi
	}
	return t
}

// GaussianFitEstimator reports the ellipticity of a Gaussian fitted to the
// first plane of every stamp.
type GaussianFitEstimator struct {
	// MinRSquared rejects poor fits when > 0.
	MinRSquared float64
}

func (e GaussianFitEstimator) Estimate(ctx context.Context, images []*Image) ([]Shear, error) {
	out := make([]Shear, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fit, err := FitGaussian(img, 0)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if e.MinRSquared > 0 && fit.RSquared < e.MinRSquared {
			return nil, fmt.Errorf("image %d: fit R^2 %.4f below %.4f", i, fit.RSquared, e.MinRSquared)
		}
		out[i] = fit.Ellipticity()
	}
	return out, nil
}

// ReconvolutionPSF builds the round Gaussian target PSF for metacal: the
// fitted native PSF size dilated by 1+2*maxShear, rendered on a size x size
// stamp.
func ReconvolutionPSF(psf *Image, maxShear float64, size int) (*Image, *GaussianFit, error) {
	if size <= 0 {
		return nil, nil, preconditionf("reconvolution psf size must be > 0 (got %d)", size)
	}
	fit, err := FitGaussian(psf, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fitting psf: %w", err)
	}
	sigma := fit.Sigma() * (1 + 2*math.Abs(maxShear))
	return GaussianImage(size, size, sigma, Shear{}), fit, nil
}

type gaussianProblem struct {
	coords [][2]float64
	values []float64
}

func gaussianValue(p []float64, at [2]float64) float64 {
	cosT, sinT := math.Cos(p[gpTheta]), math.Sin(p[gpTheta])
	dx, dy := at[0]-p[gpX0], at[1]-p[gpY0]
	u := dx*cosT + dy*sinT
	v := -dx*sinT + dy*cosT
	su, sv := p[gpSigmaX], p[gpSigmaY]
	return p[gpBackground] + p[gpAmplitude]*math.Exp(-(u*u/(2*su*su) + v*v/(2*sv*sv)))
}

func gaussianGradient(p []float64, at [2]float64, grad []float64) {
	amp := p[gpAmplitude]
	cosT, sinT := math.Cos(p[gpTheta]), math.Sin(p[gpTheta])
	dx, dy := at[0]-p[gpX0], at[1]-p[gpY0]
	u := dx*cosT + dy*sinT
	v := -dx*sinT + dy*cosT
	su2 := p[gpSigmaX] * p[gpSigmaX]
	sv2 := p[gpSigmaY] * p[gpSigmaY]
	e := math.Exp(-(u*u/(2*su2) + v*v/(2*sv2)))

	grad[gpAmplitude] = e
	grad[gpBackground] = 1
	grad[gpX0] = amp * e * (cosT*u/su2 - sinT*v/sv2)
	grad[gpY0] = amp * e * (sinT*u/su2 + cosT*v/sv2)
	grad[gpSigmaX] = amp * e * u * u / (su2 * p[gpSigmaX])
	grad[gpSigmaY] = amp * e * v * v / (sv2 * p[gpSigmaY])
	grad[gpTheta] = amp * e * u * v * (1/sv2 - 1/su2)
}

func (g *gaussianProblem) residuals(p, dst []float64) float64 {
	cost := 0.0
	for k, at := range g.coords {
		dst[k] = gaussianValue(p, at) - g.values[k]
		cost += dst[k] * dst[k]
	}
	return cost
}

func (g *gaussianProblem) rSquared(p []float64) float64 {
	mean := 0.0
	for _, v := range g.values {
		mean += v
	}
	mean /= float64(len(g.values))
	tss, rss := 0.0, 0.0
	for k, at := range g.coords {
		r := gaussianValue(p, at) - g.values[k]
		d := g.values[k] - mean
		rss += r * r
		tss += d * d
	}
	if tss == 0 {
		return 0
	}
	return 1 - rss/tss
}

// normalEquations accumulates J^T J and J^T f at p.
func (g *gaussianProblem) normalEquations(p, res []float64, jtj *mat.SymDense, jtf *mat.VecDense) {
	n := len(p)
	grad := make([]float64, n)
	jtj.Zero()
	jtf.Zero()
	for k, at := range g.coords {
		gaussianGradient(p, at, grad)
		for i := 0; i < n; i++ {
			jtf.SetVec(i, jtf.AtVec(i)+grad[i]*res[k])
			for j := i; j < n; j++ {
				jtj.SetSym(i, j, jtj.At(i, j)+grad[i]*grad[j])
			}
		}
	}
}

// levenbergMarquardt minimizes the squared residuals within box bounds,
// using Marquardt's diagonal scaling and a Cholesky solve per trial step.
func (g *gaussianProblem) levenbergMarquardt(x0, lower, upper []float64, tolerance float64, maxIter int) []float64 {
	n := len(x0)
	m := len(g.coords)

	x := make([]float64, n)
	for j := range x0 {
		x[j] = clampFloat64(x0[j], lower[j], upper[j])
	}
	res := make([]float64, m)
	cost := g.residuals(x, res)

	jtj := mat.NewSymDense(n, nil)
	jtf := mat.NewVecDense(n, nil)
	damped := mat.NewSymDense(n, nil)
	step := mat.NewVecDense(n, nil)
	trial := make([]float64, n)
	trialRes := make([]float64, m)

	lambda := 1e-3
	nu := 2.0

	for iter := 0; iter < maxIter; iter++ {
		g.normalEquations(x, res, jtj, jtf)
		if mat.Norm(jtf, 2) < tolerance*math.Max(cost, 1e-300) {
			break
		}

		improved := false
		for tries := 0; tries < 20; tries++ {
			damped.CopySym(jtj)
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, jtj.At(i, i)+lambda*math.Max(jtj.At(i, i), 1e-12))
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= nu
				continue
			}
			if err := chol.SolveVecTo(step, jtf); err != nil {
				lambda *= nu
				continue
			}
			for j := 0; j < n; j++ {
				trial[j] = clampFloat64(x[j]-step.AtVec(j), lower[j], upper[j])
			}
			trialCost := g.residuals(trial, trialRes)
			if trialCost < cost {
				gain := (cost - trialCost) / cost
				copy(x, trial)
				copy(res, trialRes)
				cost = trialCost
				lambda = math.Max(lambda/3, 1e-15)
				nu = 2
				improved = true
				if gain < tolerance {
					return x
				}
				break
			}
			lambda *= nu
			nu *= 2
			if lambda > 1e16 {
				return x
			}
		}
		if !improved {
			break
		}
	}
	return x
}

func clampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

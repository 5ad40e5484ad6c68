//go:build js && wasm

package main

import (
	"context"
	"math"
	"syscall/js"

	mc "metacal/pkg/metacal"
)

var (
	lastImages map[mc.Label][]*mc.Image
	lastShears []mc.Shear
	lastStep   float64
)

func main() {
	js.Global().Set("metacalResponse", js.FuncOf(metacalResponse))
	js.Global().Set("renderMosaic", js.FuncOf(renderMosaic))
	select {} // block forever
}

// metacalResponse(fileBytes, options) computes the response of a classical
// estimator on a FITS batch. Options: estimator ("moments"|"gaussfit"),
// step, g1, g2, seed.
func metacalResponse(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: metacalResponse(fileBytes, options)")
	}

	jsBytes := args[0]
	length := jsBytes.Get("length").Int()
	fileBytes := make([]byte, length)
	js.CopyBytesToGo(fileBytes, jsBytes)

	p := mc.NewParams()
	p.Concurrent = false
	estimator := "moments"
	var base mc.Shear
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		opts := args[1]
		if v := opts.Get("estimator"); v.Type() == js.TypeString {
			estimator = v.String()
		}
		if v := opts.Get("step"); v.Type() == js.TypeNumber {
			p.Step = v.Float()
		}
		if v := opts.Get("seed"); v.Type() == js.TypeNumber {
			p.Seed = int64(v.Int())
		}
		if v := opts.Get("g1"); v.Type() == js.TypeNumber {
			base.G1 = v.Float()
		}
		if v := opts.Get("g2"); v.Type() == js.TypeNumber {
			base.G2 = v.Float()
		}
	}
	if err := p.Validate(); err != nil {
		return errorResult(err.Error())
	}

	fitsFile, err := mc.ReadFitsFromBytes(fileBytes)
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}
	batch, err := mc.BatchFromFits(fitsFile)
	if err != nil {
		return errorResult("batch error: " + err.Error())
	}
	if batch.PSF == nil {
		return errorResult("batch has no PSF extension")
	}

	var est mc.Estimator
	switch estimator {
	case "moments":
		est = mc.MomentsEstimator{}
	case "gaussfit":
		est = mc.GaussianFitEstimator{}
	default:
		return errorResult("unsupported estimator: " + estimator)
	}

	size := batch.Gal[0].Width
	reconv, fit, err := mc.ReconvolutionPSF(batch.PSF[0], p.ShearRange+math.Abs(p.Step), size)
	if err != nil {
		return errorResult("PSF fit error: " + err.Error())
	}

	shears := make([]mc.Shear, batch.Size())
	for i := range shears {
		shears[i] = base
	}
	re := mc.NewResponseEstimator(mc.NewFourierSynthesizer(p), est, false, p.Seed)
	re.KeepImages = true
	res, err := re.Compute(context.Background(), batch, reconv, shears, p.Step)
	if err != nil {
		return errorResult("response error: " + err.Error())
	}
	lastImages, lastShears, lastStep = res.Images, shears, p.Step

	jsGalaxies := make([]interface{}, len(res.R))
	for i, r := range res.R {
		e := res.Estimates[mc.LabelNoShear][i]
		jsGalaxies[i] = map[string]interface{}{
			"R":  []interface{}{[]interface{}{r[0][0], r[0][1]}, []interface{}{r[1][0], r[1][1]}},
			"e1": e.G1,
			"e2": e.G2,
		}
	}
	mean := res.MeanResponse()
	return js.ValueOf(map[string]interface{}{
		"count":     batch.Size(),
		"stamp":     size,
		"psfFWHM":   fit.FWHM(),
		"step":      p.Step,
		"estimator": estimator,
		"meanR":     []interface{}{[]interface{}{mean[0][0], mean[0][1]}, []interface{}{mean[1][0], mean[1][1]}},
		"loss":      mc.ResponseDistance(res.R, p.Norm),
		"galaxies":  jsGalaxies,
	})
}

// renderMosaic(galaxy) returns JPEG bytes of the last synthesized images.
func renderMosaic(this js.Value, args []js.Value) interface{} {
	if lastImages == nil {
		return js.Null()
	}
	galaxy := 0
	if len(args) >= 1 && args[0].Type() == js.TypeNumber {
		galaxy = args[0].Int()
	}
	tiles, err := mc.SynthesisTiles(lastImages, galaxy)
	if err != nil {
		return js.Null()
	}
	caption := "g=" + lastShears[galaxy].String()
	jpegBytes, err := mc.MosaicBytes(tiles, 96, caption)
	if err != nil {
		return js.Null()
	}

	uint8Array := js.Global().Get("Uint8Array").New(len(jpegBytes))
	js.CopyBytesToJS(uint8Array, jpegBytes)
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mc "metacal/pkg/metacal"
)

var (
	estimatorName string
	weightsPath   string
	modelPath     string
	weightSigma   float64
	minRSquared   float64
	reconvPath    string
	csvPath       string
	shearG1       float64
	shearG2       float64
)

func addEstimatorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&estimatorName, "estimator", "e", "moments", "shape estimator: moments, gaussfit, network, onnx")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "network weights FITS (seeded init when empty)")
	cmd.Flags().StringVar(&modelPath, "model", "", "ONNX model for the onnx estimator")
	cmd.Flags().Float64Var(&weightSigma, "weight-sigma", 0, "Gaussian weight sigma for the moments estimator (0 = unweighted)")
	cmd.Flags().Float64Var(&minRSquared, "min-r2", 0, "reject Gaussian fits below this R^2")
	cmd.Flags().StringVar(&reconvPath, "reconv-psf", "", "reconvolution PSF stamp (fitted from the batch PSF when empty)")
}

// buildEstimator returns the selected estimator and a cleanup function.
func buildEstimator(p *mc.Params, stampSize int) (mc.Estimator, func(), error) {
	noop := func() {}
	switch estimatorName {
	case "moments":
		return mc.MomentsEstimator{WeightSigma: weightSigma}, noop, nil
	case "gaussfit":
		return mc.GaussianFitEstimator{MinRSquared: minRSquared}, noop, nil
	case "network":
		var (
			net *mc.Network
			err error
		)
		if weightsPath != "" {
			net, err = mc.LoadNetwork(weightsPath)
		} else {
			logrus.Warn("no --weights given, using a freshly initialised network")
			net, err = mc.NewRibli19(p.Network)
		}
		if err != nil {
			return nil, nil, err
		}
		return resampling(net, net.Params.ImageSize, stampSize), noop, nil
	case "onnx":
		if modelPath == "" {
			return nil, nil, fmt.Errorf("the onnx estimator needs --model")
		}
		opts := mc.DefaultONNXOptions(modelPath)
		opts.ImageSize = p.Network.ImageSize
		opts.Channels = p.Network.Channels
		est, err := mc.NewONNXEstimator(opts)
		if err != nil {
			return nil, nil, err
		}
		return resampling(est, opts.ImageSize, stampSize), func() { est.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown estimator %q", estimatorName)
}

// resampling adapts stamps to a model's fixed input size.
func resampling(est mc.Estimator, modelSize, stampSize int) mc.Estimator {
	if modelSize == stampSize {
		return est
	}
	logrus.WithFields(logrus.Fields{"stamp": stampSize, "model": modelSize}).Info("resampling stamps to the model input size")
	return mc.EstimatorFunc(func(ctx context.Context, images []*mc.Image) ([]mc.Shear, error) {
		resized := make([]*mc.Image, len(images))
		for i, img := range images {
			r, err := mc.ResampleImage(img, modelSize, modelSize)
			if err != nil {
				return nil, err
			}
			resized[i] = r
		}
		return est.Estimate(ctx, resized)
	})
}

// reconvolutionPSF loads --reconv-psf or derives it from the first native PSF.
func reconvolutionPSF(p *mc.Params, batch mc.Batch) (*mc.Image, error) {
	size := batch.Gal[0].Width
	if reconvPath != "" {
		img, err := loadStamp(reconvPath)
		if err != nil {
			return nil, fmt.Errorf("loading reconvolution psf: %w", err)
		}
		if img.Width != size || img.Height != size {
			return mc.ResampleImage(img, size, size)
		}
		return img, nil
	}
	if batch.PSF == nil {
		return nil, fmt.Errorf("batch has no PSF extension; pass --reconv-psf")
	}
	psf, fit, err := mc.ReconvolutionPSF(batch.PSF[0], p.ShearRange+math.Abs(p.Step), size)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"fwhm": fit.FWHM(), "r2": fit.RSquared}).Debug("native psf fitted")
	return psf, nil
}

func loadBatchArg(args []string) (mc.Batch, error) {
	batch, err := mc.LoadBatch(args[0])
	if err != nil {
		return mc.Batch{}, fmt.Errorf("loading batch: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"file":  args[0],
		"count": batch.Size(),
		"stamp": fmt.Sprintf("%dx%d", batch.Gal[0].Width, batch.Gal[0].Height),
		"psf":   batch.PSF != nil,
	}).Info("batch loaded")
	return batch, nil
}

var simParams = mc.NewSimulationParams()

var simulateCmd = &cobra.Command{
	Use:   "simulate [output.fits]",
	Short: "Write a FITS batch of Gaussian galaxies and their PSFs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		batch, shapes, err := mc.SimulateBatch(simParams, rand.New(rand.NewSource(p.Seed)))
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			dir, err := runDir("simulate")
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "batch.fits")
		}
		if err := mc.SaveBatch(path, batch); err != nil {
			return err
		}
		for i, s := range shapes {
			logrus.WithFields(logrus.Fields{"galaxy": i, "e1": s.G1, "e2": s.G2}).Debug("intrinsic shape")
		}
		fmt.Printf("wrote %d galaxies to %s\n", batch.Size(), path)
		return nil
	},
}

var responseCmd = &cobra.Command{
	Use:   "response <batch.fits>",
	Short: "Compute the metacalibration response of an estimator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		batch, err := loadBatchArg(args)
		if err != nil {
			return err
		}
		reconv, err := reconvolutionPSF(p, batch)
		if err != nil {
			return err
		}
		est, cleanup, err := buildEstimator(p, batch.Gal[0].Width)
		if err != nil {
			return err
		}
		defer cleanup()

		shears := make([]mc.Shear, batch.Size())
		for i := range shears {
			shears[i] = mc.Shear{G1: shearG1, G2: shearG2}
		}
		re := mc.NewResponseEstimator(mc.NewFourierSynthesizer(p), est, p.Concurrent, p.Seed)
		res, err := re.Compute(cmd.Context(), batch, reconv, shears, p.Step)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Printf("=== Metacal Response (%s, step %g) ===\n", estimatorName, p.Step)
		for i, r := range res.R {
			fmt.Printf("  galaxy %-3d R = %s\n", i, r)
		}
		fmt.Printf("  mean       R = %s\n", res.MeanResponse())
		fmt.Println("==============================")

		if csvPath != "" {
			if err := mc.WriteResponseCSV(csvPath, res); err != nil {
				return err
			}
			logrus.WithField("file", csvPath).Info("response report written")
		}
		return nil
	},
}

var lossCmd = &cobra.Command{
	Use:   "loss <batch.fits>",
	Short: "Evaluate the metacal loss once on randomly sheared galaxies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		batch, err := loadBatchArg(args)
		if err != nil {
			return err
		}
		reconv, err := reconvolutionPSF(p, batch)
		if err != nil {
			return err
		}
		est, cleanup, err := buildEstimator(p, batch.Gal[0].Width)
		if err != nil {
			return err
		}
		defer cleanup()

		loss, err := mc.NewLoss(p, mc.NewFourierSynthesizer(p), est, reconv, nil)
		if err != nil {
			return err
		}
		value, res, err := loss.Evaluate(cmd.Context(), batch)
		if err != nil {
			return err
		}
		fields := logrus.Fields{"loss": value, "norm": p.Norm, "mean_response": res.MeanResponse().String()}
		if net, ok := est.(*mc.Network); ok {
			fields["regularization"] = net.Regularization()
		}
		logrus.WithFields(fields).Info("metacal loss")
		fmt.Printf("%.6f\n", value)
		return nil
	},
}

var (
	synthGalaxy int
	synthMosaic bool
	synthPNG    bool
)

var synthCmd = &cobra.Command{
	Use:   "synth <batch.fits>",
	Short: "Write the five synthesized images of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		batch, err := loadBatchArg(args)
		if err != nil {
			return err
		}
		reconv, err := reconvolutionPSF(p, batch)
		if err != nil {
			return err
		}
		dir, err := runDir("synth")
		if err != nil {
			return err
		}

		shears := make([]mc.Shear, batch.Size())
		for i := range shears {
			shears[i] = mc.Shear{G1: shearG1, G2: shearG2}
		}
		re := mc.NewResponseEstimator(mc.NewFourierSynthesizer(p), nil, p.Concurrent, p.Seed)
		images, err := re.SynthesizeAll(cmd.Context(), batch, reconv, shears, p.Step)
		if err != nil {
			return err
		}
		if synthGalaxy < 0 || synthGalaxy >= batch.Size() {
			return fmt.Errorf("galaxy %d out of range", synthGalaxy)
		}
		for _, label := range mc.Labels {
			stats := images[label][synthGalaxy].Statistics()
			logrus.WithFields(logrus.Fields{
				"label":  label,
				"galaxy": synthGalaxy,
				"median": stats.Median,
				"mad":    stats.MAD,
				"max":    stats.Max,
			}).Info("synthesized stamp")

			hdu, err := mc.NewImageHDU(string(label), images[label]...)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, string(label)+".fits")
			if err := mc.WriteFits(path, hdu); err != nil {
				return err
			}
			if synthPNG {
				png := filepath.Join(dir, fmt.Sprintf("%s_%d.png", label, synthGalaxy))
				if err := mc.WriteImagePNG(png, images[label][synthGalaxy]); err != nil {
					return err
				}
			}
		}
		hdu, err := mc.NewImageHDU("RECONV", reconv)
		if err != nil {
			return err
		}
		if err := mc.WriteFits(filepath.Join(dir, "reconv_psf.fits"), hdu); err != nil {
			return err
		}

		if synthMosaic {
			tiles, err := mc.SynthesisTiles(images, synthGalaxy)
			if err != nil {
				return err
			}
			caption := fmt.Sprintf("galaxy %d  g=%s  step=%g", synthGalaxy, shears[synthGalaxy], p.Step)
			if err := mc.WriteMosaic(filepath.Join(dir, "mosaic.jpg"), tiles, 128, caption); err != nil {
				return err
			}
		}
		fmt.Printf("wrote synthesized images to %s\n", dir)
		return nil
	},
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Create or inspect Ribli19 network weights",
}

var networkInitCmd = &cobra.Command{
	Use:   "init <weights.fits>",
	Short: "Write seeded Ribli19 weights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		net, err := mc.NewRibli19(p.Network)
		if err != nil {
			return err
		}
		if err := net.SaveWeights(args[0]); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"file":           args[0],
			"parameters":     net.NumParameters(),
			"regularization": net.Regularization(),
		}).Info("network initialised")
		return nil
	},
}

var networkSummaryCmd = &cobra.Command{
	Use:   "summary [weights.fits]",
	Short: "Print the network topology",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			net *mc.Network
			err error
		)
		if len(args) == 1 {
			net, err = mc.LoadNetwork(args[0])
		} else {
			var p *mc.Params
			if p, err = loadParams(); err != nil {
				return err
			}
			net, err = mc.NewRibli19(p.Network)
		}
		if err != nil {
			return err
		}
		fmt.Print(net.Summary())
		return nil
	},
}

var trainConfig = mc.NewTrainConfig()

var networkTrainCmd = &cobra.Command{
	Use:   "train <batch.fits> <weights.fits>",
	Short: "Train Ribli19 weights by gradient descent on the metacal loss",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		batch, err := loadBatchArg(args[:1])
		if err != nil {
			return err
		}
		reconv, err := reconvolutionPSF(p, batch)
		if err != nil {
			return err
		}
		var net *mc.Network
		if weightsPath != "" {
			net, err = mc.LoadNetwork(weightsPath)
		} else {
			net, err = mc.NewRibli19(p.Network)
		}
		if err != nil {
			return err
		}
		if size := batch.Gal[0].Width; size != net.Params.ImageSize {
			return fmt.Errorf("batch stamps are %d px, the network expects %d px", size, net.Params.ImageSize)
		}

		loss, err := mc.NewLoss(p, mc.NewFourierSynthesizer(p), net, reconv, nil)
		if err != nil {
			return err
		}
		history, err := mc.Train(cmd.Context(), loss, batch, trainConfig)
		if err != nil {
			return err
		}
		if err := net.SaveWeights(args[1]); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"file":       args[1],
			"steps":      len(history),
			"first_loss": history[0],
			"last_loss":  history[len(history)-1],
		}).Info("network trained")
		return nil
	},
}

var psfCmd = &cobra.Command{
	Use:   "psf <psf.fits|image>",
	Short: "Fit a PSF stamp and write the matching reconvolution PSF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadParams()
		if err != nil {
			return err
		}
		psf, err := loadStamp(args[0])
		if err != nil {
			return err
		}
		reconv, fit, err := mc.ReconvolutionPSF(psf, p.ShearRange+math.Abs(p.Step), psf.Width)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("=== PSF Fit ===")
		fmt.Printf("  Stamp:        %d x %d\n", psf.Width, psf.Height)
		fmt.Printf("  FWHM:         %.3f px\n", fit.FWHM())
		fmt.Printf("  Sigma x/y:    %.3f / %.3f px\n", fit.SigmaX, fit.SigmaY)
		fmt.Printf("  Ellipticity:  %s\n", fit.Ellipticity())
		fmt.Printf("  R^2:          %.4f\n", fit.RSquared)
		fmt.Println("===============")

		dir, err := runDir("psf")
		if err != nil {
			return err
		}
		hdu, err := mc.NewImageHDU("RECONV", reconv)
		if err != nil {
			return err
		}
		hdu.Metadata.Set("FWHM", fit.FWHM())
		if err := mc.WriteFits(filepath.Join(dir, "reconv_psf.fits"), hdu); err != nil {
			return err
		}
		return mc.WriteImagePNG(filepath.Join(dir, "reconv_psf.png"), reconv)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simParams.Count, "count", simParams.Count, "number of galaxies")
	simulateCmd.Flags().IntVar(&simParams.StampSize, "size", simParams.StampSize, "stamp size in pixels")
	simulateCmd.Flags().Float64Var(&simParams.GalSigma, "gal-sigma", simParams.GalSigma, "galaxy sigma in pixels")
	simulateCmd.Flags().Float64Var(&simParams.PSFSigma, "psf-sigma", simParams.PSFSigma, "PSF sigma in pixels")
	simulateCmd.Flags().Float64Var(&simParams.MaxEllipticity, "max-e", simParams.MaxEllipticity, "maximum intrinsic ellipticity")
	simulateCmd.Flags().Float64Var(&simParams.NoiseSigma, "noise", simParams.NoiseSigma, "pixel noise sigma")

	addEstimatorFlags(responseCmd)
	responseCmd.Flags().StringVar(&csvPath, "csv", "", "write a per-galaxy CSV report")
	for _, c := range []*cobra.Command{responseCmd, synthCmd} {
		c.Flags().Float64Var(&shearG1, "g1", 0, "base shear g1 applied to every galaxy")
		c.Flags().Float64Var(&shearG2, "g2", 0, "base shear g2 applied to every galaxy")
	}

	addEstimatorFlags(lossCmd)

	synthCmd.Flags().StringVar(&reconvPath, "reconv-psf", "", "reconvolution PSF stamp (fitted from the batch PSF when empty)")
	synthCmd.Flags().IntVar(&synthGalaxy, "galaxy", 0, "galaxy shown in the mosaic and PNG exports")
	synthCmd.Flags().BoolVar(&synthMosaic, "mosaic", true, "write a JPEG mosaic of the five images")
	synthCmd.Flags().BoolVar(&synthPNG, "png", false, "write 16-bit PNGs of the selected galaxy")

	networkTrainCmd.Flags().StringVar(&weightsPath, "weights", "", "starting weights FITS (seeded init when empty)")
	networkTrainCmd.Flags().StringVar(&reconvPath, "reconv-psf", "", "reconvolution PSF stamp (fitted from the batch PSF when empty)")
	networkTrainCmd.Flags().IntVar(&trainConfig.Steps, "steps", trainConfig.Steps, "gradient-descent steps")
	networkTrainCmd.Flags().Float64Var(&trainConfig.LearningRate, "lr", trainConfig.LearningRate, "learning rate")
	networkTrainCmd.Flags().IntVar(&trainConfig.LogEvery, "log-every", trainConfig.LogEvery, "log the loss every n steps")

	networkCmd.AddCommand(networkInitCmd, networkSummaryCmd, networkTrainCmd)
}

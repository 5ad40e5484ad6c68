package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mc "metacal/pkg/metacal"
)

var (
	configPath string
	logLevel   string
	seed       int64
	outDir     string

	rootCmd = &cobra.Command{
		Use:   "metacal",
		Short: "Finite-difference metacalibration response and loss for shear estimators",
		Long: `metacal synthesizes sheared versions of galaxy stamps in Fourier space,
measures an estimator on them and reports its 2x2 shear response.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML parameter file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "override the seed from the parameter file (0 keeps it)")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", "out", "base directory for run outputs")

	rootCmd.AddCommand(simulateCmd, responseCmd, lossCmd, synthCmd, networkCmd, psfCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("metacal failed")
		os.Exit(1)
	}
}

// loadParams returns the configured parameters with flag overrides applied.
func loadParams() (*mc.Params, error) {
	p := mc.NewParams()
	if configPath != "" {
		var err error
		if p, err = mc.LoadParams(configPath); err != nil {
			return nil, err
		}
	}
	if seed != 0 {
		p.Seed = seed
		p.Network.Seed = seed
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logrus.WithField("params", p.String()).Debug("parameters loaded")
	return p, nil
}

// runDir creates a fresh output directory tagged with a run id.
func runDir(name string) (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(outDir, name+"-"+id[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	logrus.WithFields(logrus.Fields{"run": id, "dir": dir}).Info("writing run outputs")
	return dir, nil
}

// loadStamp reads a single stamp from FITS or any decodable image format.
func loadStamp(path string) (*mc.Image, error) {
	lowerPath := strings.ToLower(path)
	if strings.HasSuffix(lowerPath, ".fits") || strings.HasSuffix(lowerPath, ".fit") {
		return mc.LoadImage(path)
	}
	return loadNonFitsImage(path)
}

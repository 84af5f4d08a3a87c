package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/dashboard"
	"github.com/marcwilly/SAE-V/server"
)

func serveCmd() *cobra.Command {
	var addr, models string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the SAE activation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := config.Load(models)
			if err != nil {
				return err
			}
			return server.New(registry).Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7860", "listen address")
	cmd.Flags().StringVar(&models, "models", "registry.json", "model registry file")
	return cmd
}

func dashboardCmd() *cobra.Command {
	cfg := dashboard.Config{}
	var models string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Accumulate per-latent top-k tables over a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := config.Load(models)
			if err != nil {
				return err
			}
			cfg.Registry = registry
			return dashboard.Run(cfg)
		},
	}
	cmd.Flags().StringVar(&models, "models", "registry.json", "model registry file")
	cmd.Flags().StringVar(&cfg.ModelKey, "model", "", "model key to accumulate for")
	cmd.Flags().IntVar(&cfg.Images, "images", 32768, "number of dataset images to stream")
	cmd.Flags().IntVar(&cfg.Batch, "batch", 64, "chunk size")
	cmd.Flags().IntVar(&cfg.K, "k", 10, "ranks kept per latent")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 1, "dataset shuffle seed")
	cmd.Flags().StringVar(&cfg.OutDir, "out", "dashboard", "output directory for the tensor files")
	cmd.Flags().BoolVar(&cfg.Resume, "resume", false, "reload a persisted table instead of re-accumulating")
	cmd.Flags().BoolVar(&cfg.Export, "export", false, "export highlighted top images per latent")
	cmd.Flags().BoolVar(&cfg.Plots, "plots", false, "write sparsity/mean activation plots")
	cmd.MarkFlagRequired("model")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "saev",
		Short: "Sparse autoencoder interpretability tools for vision transformers",
	}
	rootCmd.AddCommand(serveCmd(), dashboardCmd(), demoCmd())
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

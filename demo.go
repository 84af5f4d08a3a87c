package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/imaging"
	"github.com/marcwilly/SAE-V/nn"
)

// demoCmd writes a random ViT+SAE checkpoint pair, a synthetic dataset,
// and a registry entry wired to them, so the dashboard and serve
// commands can be exercised end to end without real pretrained weights.
func demoCmd() *cobra.Command {
	var (
		out      string
		classes  int
		perClass int
		patch    int
		width    int
		heads    int
		layers   int
		nEnd     int
		dSae     int
		seed     int64
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Generate a synthetic model pair and dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeDemo(out, classes, perClass, patch, width, heads, layers, nEnd, dSae, seed)
		},
	}
	cmd.Flags().StringVar(&out, "out", "demo", "output directory")
	cmd.Flags().IntVar(&classes, "classes", 4, "number of synthetic classes")
	cmd.Flags().IntVar(&perClass, "per-class", 16, "images per class")
	cmd.Flags().IntVar(&patch, "patch", 112, "ViT patch size")
	cmd.Flags().IntVar(&width, "width", 32, "ViT embedding width")
	cmd.Flags().IntVar(&heads, "heads", 4, "attention heads")
	cmd.Flags().IntVar(&layers, "layers", 3, "residual blocks")
	cmd.Flags().IntVar(&nEnd, "n-end", 1, "blocks in the end stage")
	cmd.Flags().IntVar(&dSae, "d-sae", 128, "SAE latent count")
	cmd.Flags().Int64Var(&seed, "seed", 1, "pixel noise seed")
	return cmd
}

func writeDemo(out string, classes, perClass, patch, width, heads, layers, nEnd, dSae int, seed int64) error {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	vit := nn.NewRandomViT(imaging.CropSize, patch, width, heads, layers, nEnd)
	vitPath := filepath.Join(out, "vit.mdl")
	if err := vit.Save(vitPath); err != nil {
		return err
	}

	sae := nn.NewRandomSAE(width, dSae)
	saePath := filepath.Join(out, "sae.mdl")
	if err := sae.Save(saePath); err != nil {
		return err
	}
	log.Infof("Wrote random checkpoints: %s, %s", vitPath, saePath)

	datasetRoot := filepath.Join(out, "dataset")
	rng := rand.New(rand.NewSource(seed))
	for c := 0; c < classes; c++ {
		dir := filepath.Join(datasetRoot, fmt.Sprintf("%02d_synthetic_class_%d", c, c))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		for i := 0; i < perClass; i++ {
			img := randomImage(rng, 96)
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%04d.png", i)))
			if err != nil {
				return err
			}
			if err := png.Encode(f, img); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
	log.Infof("Wrote %d synthetic images to %s", classes*perClass, datasetRoot)

	registry := config.Registry{
		"demo/synthetic": config.Model{
			VitFamily:   "demo",
			VitCkpt:     vitPath,
			SaeCkpt:     saePath,
			TensorDir:   filepath.Join(out, "tensors"),
			DatasetName: "demo__train",
			DatasetRoot: datasetRoot,
		},
	}
	regPath := filepath.Join(out, "registry.json")
	if err := registry.Save(regPath); err != nil {
		return err
	}
	log.Infof("Wrote registry: %s", regPath)
	return nil
}

func randomImage(rng *rand.Rand, size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

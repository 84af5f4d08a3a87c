// Package dashboard implements the offline job that streams a dataset
// through a ViT+SAE pair in bounded batches and accumulates, for every
// SAE latent, the top-K activating images plus per-latent firing
// statistics. The result is a set of flat tensor files the serving path
// loads read-only.
package dashboard

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/dataset"
	"github.com/marcwilly/SAE-V/imaging"
	"github.com/marcwilly/SAE-V/nn"
	"github.com/marcwilly/SAE-V/topk"
)

const (
	SparsityFile = "sae_sparsity.gob"
	MeanActsFile = "sae_mean_acts.gob"

	// exportLatentCap bounds how many latents get their top images
	// written out as files.
	exportLatentCap = 1000
)

type Config struct {
	Registry config.Registry
	ModelKey string

	Images int // how many dataset images to stream, capped at the dataset size
	Batch  int // chunk size, bounded by memory
	K      int // ranks kept per latent
	Seed   int64

	OutDir string
	Resume bool // reload a persisted table instead of re-accumulating
	Export bool // write top-activating images per latent
	Plots  bool // write sparsity/mean distribution plots
}

// stats tracks per-latent firing counts and activation sums while the
// dataset streams through.
type stats struct {
	fires     []float64
	sum       []float64
	processed int
}

func newStats(latents int) *stats {
	return &stats{
		fires: make([]float64, latents),
		sum:   make([]float64, latents),
	}
}

// sparsity is the fraction of processed images on which each latent
// fired.
func (s *stats) sparsity() []float64 {
	out := make([]float64, len(s.fires))
	for i := range out {
		out[i] = s.fires[i] / float64(s.processed)
	}
	return out
}

// meanActs divides accumulated activation sums by fire counts. A latent
// that never fired yields NaN, a detectable value rather than a crash.
func (s *stats) meanActs() []float64 {
	out := make([]float64, len(s.sum))
	for i := range out {
		out[i] = s.sum[i] / s.fires[i]
	}
	return out
}

func (s *stats) save(dir string) error {
	n := len(s.fires)
	if err := topk.SaveTensor(dir, SparsityFile,
		tensor.New(tensor.WithShape(n), tensor.WithBacking(s.sparsity()))); err != nil {
		return err
	}
	return topk.SaveTensor(dir, MeanActsFile,
		tensor.New(tensor.WithShape(n), tensor.WithBacking(s.meanActs())))
}

// Run executes the dashboard job for one model pair.
func Run(cfg Config) error {
	m, err := cfg.Registry.Model(cfg.ModelKey)
	if err != nil {
		return err
	}

	vit, err := nn.LoadViT(m.VitCkpt)
	if err != nil {
		return err
	}
	sae, err := nn.LoadSAE(m.SaeCkpt)
	if err != nil {
		return err
	}
	if sae.DModel != vit.Width {
		return fmt.Errorf("sae expects d_model %d but vit width is %d", sae.DModel, vit.Width)
	}
	ds, err := dataset.Open(m.DatasetRoot)
	if err != nil {
		return err
	}
	log.Infof("Loaded model pair %s: d_sae=%d, %d dataset images", cfg.ModelKey, sae.DSae, ds.Len())

	var table *topk.Table
	if cfg.Resume {
		table, err = topk.Load(cfg.OutDir)
		if err != nil {
			return fmt.Errorf("resume from %s: %w", cfg.OutDir, err)
		}
		// The original pipeline never persisted running statistics on
		// this path, so sparsity/mean files are left as-is rather than
		// recomputed from a partial view.
		log.Warnf("Resumed top-%d table from %s; sparsity and mean activation stats are not reloaded", table.K, cfg.OutDir)
	} else {
		table, _, err = accumulate(cfg, vit, sae, ds)
		if err != nil {
			return err
		}
	}

	if cfg.Export {
		if err := exportTopImages(cfg.OutDir, table, ds); err != nil {
			return err
		}
	}
	if cfg.Plots {
		if err := writePlots(cfg.OutDir); err != nil {
			return err
		}
	}
	return nil
}

func accumulate(cfg Config, vit *nn.SplitViT, sae *nn.SparseAutoencoder, ds *dataset.ImageFolder) (*topk.Table, *stats, error) {
	numPatches := vit.NumPatches()
	table := topk.New(sae.DSae, cfg.K, numPatches)
	st := newStats(sae.DSae)

	rng := rand.New(rand.NewSource(cfg.Seed))
	perm := rng.Perm(ds.Len())

	n := min(cfg.Images, ds.Len())
	log.Infof("Accumulating top-%d over %d images in chunks of %d (seed %d)", cfg.K, n, cfg.Batch, cfg.Seed)

	bar := progressbar.Default(int64(n))
	patchVec := make([]float64, numPatches)

	processed := 0
	for processed < n {
		chunk := min(cfg.Batch, n-processed)
		chunkTable := topk.New(sae.DSae, cfg.K, numPatches)

		for j := 0; j < chunk; j++ {
			imageIndex := perm[processed+j]
			acts, err := imageActivations(vit, sae, ds, imageIndex)
			if err != nil {
				return nil, nil, err
			}

			for latent := 0; latent < sae.DSae; latent++ {
				score := 0.0
				for p := 0; p < numPatches; p++ {
					v := acts[p+1][latent]
					patchVec[p] = v
					if v > score {
						score = v
					}
				}
				if score > 0 {
					st.fires[latent]++
					st.sum[latent] += score
				}
				chunkTable.Insert(latent, imageIndex, score, patchVec)
			}
			bar.Add(1)
		}

		table.Merge(chunkTable)
		processed += chunk
		st.processed = processed
	}

	table.FillLabels(ds.Class)
	if err := table.Save(cfg.OutDir); err != nil {
		return nil, nil, err
	}
	if err := st.save(cfg.OutDir); err != nil {
		return nil, nil, err
	}
	log.Infof("Accumulated and persisted top-%d table over %d images to %s", cfg.K, processed, cfg.OutDir)
	return table, st, nil
}

// imageActivations runs one dataset image through the transform, the
// start stage of the ViT, and the SAE, returning one latent vector per
// token (token 0 is [CLS]).
func imageActivations(vit *nn.SplitViT, sae *nn.SparseAutoencoder, ds *dataset.ImageFolder, i int) ([][]float64, error) {
	img, err := ds.Image(i)
	if err != nil {
		return nil, err
	}
	pixels := imaging.Pack(imaging.ToSized(img))
	tokens := vit.ForwardStart(pixels)
	acts, err := sae.EncodeTokens(tokens)
	if err != nil {
		return nil, fmt.Errorf("sae activations for image %d: %w", i, err)
	}
	return acts, nil
}

// exportTopImages writes each latent's top activating images, rendered
// with their heatmap overlay, to out/<latent>/<rank>_<index>_<value>.png.
// Dead latents get no directory.
func exportTopImages(dir string, table *topk.Table, ds *dataset.ImageFolder) error {
	latents := min(table.Latents, exportLatentCap)
	log.Infof("Exporting top images for %d latents", latents)
	bar := progressbar.Default(int64(latents))
	for latent := 0; latent < latents; latent++ {
		bar.Add(1)
		upper := table.MaxPatchValue(latent)
		dead := true
		for rank := 0; rank < table.K; rank++ {
			if table.Values[latent][rank] <= 0 {
				continue
			}
			if dead {
				if err := os.MkdirAll(filepath.Join(dir, fmt.Sprintf("%d", latent)), 0o755); err != nil {
					return err
				}
				dead = false
			}

			img, err := ds.Image(table.Indices[latent][rank])
			if err != nil {
				return err
			}
			highlighted := imaging.AddHighlights(imaging.ToSized(img), table.PatchValues[latent][rank], upper)
			name := fmt.Sprintf("%d_%d_%.4g.png", rank, table.Indices[latent][rank], table.Values[latent][rank])
			if err := writePNG(filepath.Join(dir, fmt.Sprintf("%d", latent), name), highlighted); err != nil {
				return err
			}
		}
	}
	return nil
}

package server

import (
	"errors"
	"fmt"
	"image"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/dataset"
	"github.com/marcwilly/SAE-V/imaging"
	"github.com/marcwilly/SAE-V/topk"
)

const (
	// maxExamples is how many distinct top-activating images are
	// returned per latent.
	maxExamples = 4
	// maxEncodeWorkers bounds the per-request pool that overlaps the
	// CPU-bound PNG encodes.
	maxEncodeWorkers = 16
)

// errBadRequest marks configuration errors (unknown model key, latent
// out of range) so the handler can answer 400 instead of 500.
var errBadRequest = errors.New("bad request")

// activations runs the packed input image through every requested model
// pair and assembles the per-latent responses. Image encoding work is
// dispatched onto a pool created for this request and torn down with it;
// the single Wait means one failed encode aborts the whole batch.
func (s *Server) activations(pixels []float64, latents map[string][]int) (map[string][]*SAEActivation, error) {
	resp := make(map[string][]*SAEActivation, len(latents))
	pool := &errgroup.Group{}
	pool.SetLimit(maxEncodeWorkers)

	for modelName, requested := range latents {
		m, err := s.registry.Model(modelName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		vit, err := s.vit(modelName, m)
		if err != nil {
			return nil, err
		}
		sae, err := s.sae(modelName, m)
		if err != nil {
			return nil, err
		}
		table, err := s.table(modelName, m)
		if err != nil {
			return nil, err
		}
		ds, err := s.dataset(m)
		if err != nil {
			return nil, err
		}
		if len(pixels) != vit.PixelLen() {
			return nil, fmt.Errorf("packed image has %d values, model %s expects %d", len(pixels), modelName, vit.PixelLen())
		}

		tokens := vit.ForwardStart(pixels)
		acts, err := sae.EncodeTokens(tokens)
		if err != nil {
			return nil, err
		}
		log.Infof("Got SAE activations for %q", modelName)

		list := make([]*SAEActivation, 0, len(requested))
		for _, latent := range requested {
			if latent < 0 || latent >= sae.DSae {
				return nil, fmt.Errorf("%w: latent %d out of range for %s (d_sae=%d)", errBadRequest, latent, modelName, sae.DSae)
			}

			// Per-patch activations for this latent, [CLS] excluded.
			patchActs := make([]float64, vit.NumPatches())
			for p := range patchActs {
				patchActs[p] = acts[p+1][latent]
			}

			sa, err := s.makeSAEActivation(pool, m, modelName, latent, patchActs, table, ds)
			if err != nil {
				return nil, err
			}
			list = append(list, sa)
		}
		resp[modelName] = list
	}

	if err := pool.Wait(); err != nil {
		return nil, fmt.Errorf("encode examples: %w", err)
	}
	return resp, nil
}

type rawExample struct {
	index       int
	sized       image.Image
	highlighted image.Image
	label       string
}

// makeSAEActivation gathers up to maxExamples distinct top-activating
// images for one latent, renders their heatmaps, and dispatches the
// transport encodes onto the pool. A latent whose table rows hold fewer
// distinct images yields fewer examples; nothing is padded.
func (s *Server) makeSAEActivation(pool *errgroup.Group, m config.Model, modelName string, latent int, patchActs []float64, table *topk.Table, ds *dataset.ImageFolder) (*SAEActivation, error) {
	upper := table.MaxPatchValue(latent)

	var raw []rawExample
	seen := map[int]bool{}
	for rank := 0; rank < table.K && len(raw) < maxExamples; rank++ {
		i := table.Indices[latent][rank]
		if seen[i] {
			continue
		}
		seen[i] = true

		img, err := ds.Image(i)
		if err != nil {
			return nil, err
		}
		sized := imaging.ToSized(img)
		raw = append(raw, rawExample{
			index:       i,
			sized:       sized,
			highlighted: imaging.AddHighlights(sized, table.PatchValues[latent][rank], upper),
			label:       ds.Label(i),
		})
	}

	sa := &SAEActivation{
		ModelName:   modelName,
		Latent:      latent,
		Activations: patchActs,
		Examples:    make([]Example, len(raw)),
	}
	for i, r := range raw {
		i, r := i, r
		sa.Examples[i].Label = r.label
		sa.Examples[i].ExampleID = fmt.Sprintf("%s__%d", m.DatasetName, r.index)
		pool.Go(func() error {
			uri, err := imaging.DataURI(r.sized)
			if err != nil {
				return err
			}
			sa.Examples[i].OrigURL = uri
			return nil
		})
		pool.Go(func() error {
			uri, err := imaging.DataURI(r.highlighted)
			if err != nil {
				return err
			}
			sa.Examples[i].HighlightedURL = uri
			return nil
		})
	}
	return sa, nil
}

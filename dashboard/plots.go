package dashboard

import (
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/marcwilly/SAE-V/topk"
)

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// writePlots renders the per-latent sparsity and mean activation
// distributions from the persisted stat tensors. NaN entries (latents
// that never fired) are skipped.
func writePlots(dir string) error {
	if err := plotStat(dir, SparsityFile, "Latent sparsity", "fraction of images firing", "sparsity.png"); err != nil {
		return err
	}
	return plotStat(dir, MeanActsFile, "Latent mean activation", "mean activation", "mean_acts.png")
}

func plotStat(dir, tensorFile, title, yLabel, outFile string) error {
	t, err := topk.LoadTensor(dir, tensorFile)
	if err != nil {
		return err
	}
	data := t.Data().([]float64)

	pts := make(plotter.XYs, 0, len(data))
	for i, v := range data {
		if math.IsNaN(v) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i), Y: v})
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "latent"
	p.Y.Label.Text = yLabel
	if err := plotutil.AddLinePoints(p, "SAE", pts); err != nil {
		return err
	}
	out := filepath.Join(dir, outFile)
	if err := p.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return err
	}
	log.Infof("Wrote %s", out)
	return nil
}

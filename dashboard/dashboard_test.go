package dashboard

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/dataset"
	"github.com/marcwilly/SAE-V/nn"
	"github.com/marcwilly/SAE-V/topk"
)

func writeRandomPNG(t *testing.T, path string, rng *rand.Rand) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{
				uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func fixtureDataset(t *testing.T, classes, perClass int) *dataset.ImageFolder {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(99))
	for c := 0; c < classes; c++ {
		dir := filepath.Join(root, fmt.Sprintf("%02d_test_class_%d", c, c))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			writeRandomPNG(t, filepath.Join(dir, fmt.Sprintf("%03d.png", i)), rng)
		}
	}
	ds, err := dataset.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func fixtureModels(t *testing.T) (*nn.SplitViT, *nn.SparseAutoencoder) {
	t.Helper()
	vit := nn.NewRandomViT(448, 112, 8, 2, 2, 1)
	sae := nn.NewRandomSAE(vit.Width, 16)
	return vit, sae
}

func TestAccumulate(t *testing.T) {
	vit, sae := fixtureModels(t)
	ds := fixtureDataset(t, 2, 6)
	out := t.TempDir()

	// Batch deliberately does not divide the image count.
	cfg := Config{Images: 10, Batch: 4, K: 3, Seed: 1, OutDir: out}
	table, st, err := accumulate(cfg, vit, sae, ds)
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}

	if st.processed != 10 {
		t.Fatalf("processed %d images, want 10", st.processed)
	}
	if table.Latents != sae.DSae || table.K != 3 || table.Patches != vit.NumPatches() {
		t.Fatalf("table shape (%d,%d,%d) does not match models",
			table.Latents, table.K, table.Patches)
	}

	for l := 0; l < table.Latents; l++ {
		if st.fires[l] > float64(st.processed) {
			t.Fatalf("latent %d fired %f times on %d images", l, st.fires[l], st.processed)
		}
		for r := 0; r < table.K; r++ {
			if r > 0 && table.Values[l][r] > table.Values[l][r-1] {
				t.Fatalf("latent %d row not descending at rank %d", l, r)
			}
			if idx := table.Indices[l][r]; idx < 0 || idx >= ds.Len() {
				t.Fatalf("latent %d rank %d: image index %d out of range", l, r, idx)
			}
			if table.Values[l][r] > 0 {
				if want := ds.Class(table.Indices[l][r]); table.Labels[l][r] != want {
					t.Fatalf("latent %d rank %d: label %d, dataset says %d",
						l, r, table.Labels[l][r], want)
				}
			}
		}
	}

	// Stats invariants: mean is the sum over firing images only, NaN for
	// latents that never fired.
	means := st.meanActs()
	for l, m := range means {
		if st.fires[l] == 0 && !math.IsNaN(m) {
			t.Fatalf("dead latent %d has mean %f, want NaN", l, m)
		}
		if st.fires[l] > 0 && (math.IsNaN(m) || m < 0) {
			t.Fatalf("latent %d has bad mean %f", l, m)
		}
	}
	sp := st.sparsity()
	for l, s := range sp {
		if s < 0 || s > 1 {
			t.Fatalf("latent %d sparsity %f outside [0,1]", l, s)
		}
	}

	for _, name := range []string{
		topk.IndicesFile, topk.ValuesFile, topk.PatchValuesFile, topk.LabelsFile,
		SparsityFile, MeanActsFile,
	} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing output file %s: %v", name, err)
		}
	}

	loaded, err := topk.Load(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for l := 0; l < table.Latents; l++ {
		for r := 0; r < table.K; r++ {
			if math.Float64bits(loaded.Values[l][r]) != math.Float64bits(table.Values[l][r]) {
				t.Fatalf("persisted value (%d,%d) not bit-identical", l, r)
			}
		}
	}
}

func TestAccumulateIsDeterministic(t *testing.T) {
	vit, sae := fixtureModels(t)
	ds := fixtureDataset(t, 2, 3)

	cfg := Config{Images: 6, Batch: 2, K: 2, Seed: 7, OutDir: t.TempDir()}
	a, _, err := accumulate(cfg, vit, sae, ds)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	cfg.OutDir = t.TempDir()
	b, _, err := accumulate(cfg, vit, sae, ds)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for l := 0; l < a.Latents; l++ {
		for r := 0; r < a.K; r++ {
			if a.Indices[l][r] != b.Indices[l][r] || a.Values[l][r] != b.Values[l][r] {
				t.Fatalf("latent %d rank %d differs across identical runs", l, r)
			}
		}
	}
}

func TestRunAndResume(t *testing.T) {
	vit, sae := fixtureModels(t)
	ds := fixtureDataset(t, 2, 3)
	ckpts := t.TempDir()
	out := t.TempDir()

	vitPath := filepath.Join(ckpts, "vit.mdl")
	saePath := filepath.Join(ckpts, "sae.mdl")
	if err := vit.Save(vitPath); err != nil {
		t.Fatal(err)
	}
	if err := sae.Save(saePath); err != nil {
		t.Fatal(err)
	}

	reg := config.Registry{"test/pair": {
		VitCkpt:     vitPath,
		SaeCkpt:     saePath,
		TensorDir:   out,
		DatasetRoot: ds.Root,
		DatasetName: "test__train",
	}}

	cfg := Config{
		Registry: reg, ModelKey: "test/pair",
		Images: 6, Batch: 2, K: 2, Seed: 1, OutDir: out,
	}
	if err := Run(cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, topk.ValuesFile)); err != nil {
		t.Fatalf("run wrote no table: %v", err)
	}

	cfg.Resume = true
	if err := Run(cfg); err != nil {
		t.Fatalf("resume: %v", err)
	}

	cfg.ModelKey = "missing/pair"
	if err := Run(cfg); err == nil {
		t.Fatal("expected an error for an unknown model key")
	}
}

func TestExportTopImages(t *testing.T) {
	ds := fixtureDataset(t, 1, 2)
	out := t.TempDir()

	table := topk.New(2, 1, 16)
	pv := make([]float64, 16)
	pv[3] = 1.5
	table.Insert(0, 0, 1.5, pv)
	// Latent 1 never fires.

	if err := exportTopImages(out, table, ds); err != nil {
		t.Fatalf("export: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(out, "0"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one exported image for latent 0, got %v (err %v)", entries, err)
	}
	if _, err := os.Stat(filepath.Join(out, "1")); !os.IsNotExist(err) {
		t.Fatal("dead latent 1 should get no directory")
	}
}

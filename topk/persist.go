package topk

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gorgonia.org/tensor"
)

const (
	IndicesFile     = "top_img_i.gob"
	ValuesFile      = "top_values.gob"
	PatchValuesFile = "top_patch_values.gob"
	LabelsFile      = "top_labels.gob"
)

// SaveTensor gob-encodes one dense tensor into its own flat file.
func SaveTensor(dir, name string, t *tensor.Dense) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(t); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

// LoadTensor reads a tensor file written by SaveTensor.
func LoadTensor(dir, name string) (*tensor.Dense, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t := &tensor.Dense{}
	if err := gob.NewDecoder(f).Decode(t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return t, nil
}

// Save persists the table as four independent tensor files under dir.
func (t *Table) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	idx := make([]int, 0, t.Latents*t.K)
	vals := make([]float64, 0, t.Latents*t.K)
	labels := make([]int, 0, t.Latents*t.K)
	patches := make([]float64, 0, t.Latents*t.K*t.Patches)
	for l := 0; l < t.Latents; l++ {
		idx = append(idx, t.Indices[l]...)
		vals = append(vals, t.Values[l]...)
		labels = append(labels, t.Labels[l]...)
		for r := 0; r < t.K; r++ {
			patches = append(patches, t.PatchValues[l][r]...)
		}
	}

	files := []struct {
		name string
		data *tensor.Dense
	}{
		{IndicesFile, tensor.New(tensor.WithShape(t.Latents, t.K), tensor.WithBacking(idx))},
		{ValuesFile, tensor.New(tensor.WithShape(t.Latents, t.K), tensor.WithBacking(vals))},
		{LabelsFile, tensor.New(tensor.WithShape(t.Latents, t.K), tensor.WithBacking(labels))},
		{PatchValuesFile, tensor.New(tensor.WithShape(t.Latents, t.K, t.Patches), tensor.WithBacking(patches))},
	}
	for _, tf := range files {
		if err := SaveTensor(dir, tf.name, tf.data); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a table persisted by Save.
func Load(dir string) (*Table, error) {
	idxT, err := LoadTensor(dir, IndicesFile)
	if err != nil {
		return nil, err
	}
	valsT, err := LoadTensor(dir, ValuesFile)
	if err != nil {
		return nil, err
	}
	labelsT, err := LoadTensor(dir, LabelsFile)
	if err != nil {
		return nil, err
	}
	patchesT, err := LoadTensor(dir, PatchValuesFile)
	if err != nil {
		return nil, err
	}

	shape := patchesT.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("load table: patch values tensor has %d dims, want 3", len(shape))
	}
	latents, k, numPatches := shape[0], shape[1], shape[2]

	t := New(latents, k, numPatches)
	idx := idxT.Data().([]int)
	vals := valsT.Data().([]float64)
	labels := labelsT.Data().([]int)
	patches := patchesT.Data().([]float64)
	for l := 0; l < latents; l++ {
		copy(t.Indices[l], idx[l*k:(l+1)*k])
		copy(t.Values[l], vals[l*k:(l+1)*k])
		copy(t.Labels[l], labels[l*k:(l+1)*k])
		for r := 0; r < k; r++ {
			base := (l*k + r) * numPatches
			copy(t.PatchValues[l][r], patches[base:base+numPatches])
		}
	}
	return t, nil
}

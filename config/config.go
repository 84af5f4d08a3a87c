// Package config holds the model pair registry: which ViT checkpoint is
// paired with which SAE checkpoint, and which dataset and tensor
// directory the pair was computed against.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Model identifies one ViT+SAE pairing. Records are read-only after the
// registry is loaded.
type Model struct {
	VitFamily   string `json:"vit_family"`
	VitCkpt     string `json:"vit_ckpt"`
	SaeCkpt     string `json:"sae_ckpt"`
	TensorDir   string `json:"tensor_dir"`
	DatasetName string `json:"dataset_name"`
	DatasetRoot string `json:"dataset_root"`
}

// Registry maps a model key like "bioclip/inat21" to its configuration.
type Registry map[string]Model

// Load reads a JSON registry file.
func Load(path string) (Registry, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry %s: %w", path, err)
	}
	r := Registry{}
	if err := json.Unmarshal(dat, &r); err != nil {
		return nil, fmt.Errorf("parse model registry %s: %w", path, err)
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("model registry %s is empty", path)
	}
	return r, nil
}

// Model looks up a model key. An unknown key is a configuration error
// surfaced immediately to the caller.
func (r Registry) Model(key string) (Model, error) {
	m, ok := r[key]
	if !ok {
		return Model{}, fmt.Errorf("unknown model key %q", key)
	}
	return m, nil
}

// Save writes the registry back out, used by the demo fixture generator.
func (r Registry) Save(path string) error {
	dat, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, dat, 0o644)
}

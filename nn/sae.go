package nn

import (
	"encoding/gob"
	"fmt"
	"os"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SparseAutoencoder maps a ViT embedding to a sparse latent code:
// f = relu(W_enc @ (x - b_dec) + b_enc). The model is frozen; only the
// forward pass is implemented.
type SparseAutoencoder struct {
	DModel int
	DSae   int

	WEnc *tensor.Dense // [d_sae, d_model]
	BEnc *tensor.Dense // [d_sae]
	WDec *tensor.Dense // [d_model, d_sae]
	BDec *tensor.Dense // [d_model]
}

func cloneBacking(t *tensor.Dense) []float64 {
	src := t.Data().([]float64)
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}

func vectorNode(g *gorgonia.ExprGraph, name string, data []float64) *gorgonia.Node {
	return gorgonia.NewVector(g, gorgonia.Float64,
		gorgonia.WithShape(len(data)),
		gorgonia.WithValue(tensor.New(tensor.WithShape(len(data)), tensor.WithBacking(data))),
		gorgonia.WithName(name))
}

// Encode runs one embedding vector through the encoder, returning the
// latent activation vector. The computation is built as a gorgonia
// graph and executed on a tape machine.
func (s *SparseAutoencoder) Encode(x []float64) ([]float64, error) {
	if len(x) != s.DModel {
		panic(fmt.Sprintf("nn: sae input has length %d, model expects %d", len(x), s.DModel))
	}

	g := gorgonia.NewGraph()

	xData := make([]float64, len(x))
	copy(xData, x)
	xNode := vectorNode(g, "x", xData)
	bDecNode := vectorNode(g, "b_dec", cloneBacking(s.BDec))
	bEncNode := vectorNode(g, "b_enc", cloneBacking(s.BEnc))

	wShape := s.WEnc.Shape()
	wEncNode := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(wShape...),
		gorgonia.WithValue(tensor.New(tensor.WithShape(wShape...), tensor.WithBacking(cloneBacking(s.WEnc)))),
		gorgonia.WithName("w_enc"))

	pre, err := gorgonia.Sub(xNode, bDecNode)
	if err != nil {
		return nil, fmt.Errorf("sae encode sub: %w", err)
	}
	h, err := gorgonia.Mul(wEncNode, pre)
	if err != nil {
		return nil, fmt.Errorf("sae encode mul: %w", err)
	}
	h, err = gorgonia.Add(h, bEncNode)
	if err != nil {
		return nil, fmt.Errorf("sae encode add: %w", err)
	}
	f, err := gorgonia.Rectify(h)
	if err != nil {
		return nil, fmt.Errorf("sae encode relu: %w", err)
	}

	machine := gorgonia.NewTapeMachine(g)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, fmt.Errorf("sae encode run: %w", err)
	}

	out := make([]float64, s.DSae)
	copy(out, f.Value().Data().([]float64))
	return out, nil
}

// Decode reconstructs an embedding from a latent code: x = W_dec @ f + b_dec.
func (s *SparseAutoencoder) Decode(f []float64) ([]float64, error) {
	if len(f) != s.DSae {
		panic(fmt.Sprintf("nn: sae latent has length %d, model expects %d", len(f), s.DSae))
	}

	g := gorgonia.NewGraph()

	fData := make([]float64, len(f))
	copy(fData, f)
	fNode := vectorNode(g, "f", fData)
	bDecNode := vectorNode(g, "b_dec", cloneBacking(s.BDec))

	wShape := s.WDec.Shape()
	wDecNode := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(wShape...),
		gorgonia.WithValue(tensor.New(tensor.WithShape(wShape...), tensor.WithBacking(cloneBacking(s.WDec)))),
		gorgonia.WithName("w_dec"))

	x, err := gorgonia.Mul(wDecNode, fNode)
	if err != nil {
		return nil, fmt.Errorf("sae decode mul: %w", err)
	}
	x, err = gorgonia.Add(x, bDecNode)
	if err != nil {
		return nil, fmt.Errorf("sae decode add: %w", err)
	}

	machine := gorgonia.NewTapeMachine(g)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, fmt.Errorf("sae decode run: %w", err)
	}

	out := make([]float64, s.DModel)
	copy(out, x.Value().Data().([]float64))
	return out, nil
}

// EncodeTokens encodes every token embedding of one image, returning one
// latent vector per token in the same order.
func (s *SparseAutoencoder) EncodeTokens(tokens [][]float64) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	for i, tok := range tokens {
		f, err := s.Encode(tok)
		if err != nil {
			return nil, fmt.Errorf("encode token %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}

// Save writes the model to a gob checkpoint file.
func (s *SparseAutoencoder) Save(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(s)
}

// LoadSAE reads a gob checkpoint written by Save.
func LoadSAE(fileName string) (*SparseAutoencoder, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := &SparseAutoencoder{}
	if err := gob.NewDecoder(f).Decode(s); err != nil {
		return nil, fmt.Errorf("decode sae checkpoint %s: %w", fileName, err)
	}
	return s, nil
}

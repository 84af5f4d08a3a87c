package nn

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

func fillRandom(a []float64, v float64) {
	dist := distuv.Uniform{
		Min: -1 / math.Sqrt(v),
		Max: 1 / math.Sqrt(v),
	}
	for i := range a {
		a[i] = dist.Rand()
	}
}

func randomDense(shape ...int) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float64, n)
	fillRandom(data, float64(n))
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func onesDense(n int) *tensor.Dense {
	data := make([]float64, n)
	for i := range data {
		data[i] = 1.0
	}
	return tensor.New(tensor.WithShape(n), tensor.WithBacking(data))
}

func zerosDense(n int) *tensor.Dense {
	return tensor.New(tensor.WithShape(n), tensor.WithBacking(make([]float64, n)))
}

func randomLayerNorm(width int) *LayerNorm {
	return &LayerNorm{Gamma: onesDense(width), Beta: zerosDense(width)}
}

func randomBlock(width int) *ResBlock {
	return &ResBlock{
		LN1:   randomLayerNorm(width),
		LN2:   randomLayerNorm(width),
		WQ:    randomDense(width, width),
		WK:    randomDense(width, width),
		WV:    randomDense(width, width),
		WO:    randomDense(width, width),
		BQ:    zerosDense(width),
		BK:    zerosDense(width),
		BV:    zerosDense(width),
		BO:    zerosDense(width),
		WFC:   randomDense(width, 4*width),
		BFC:   zerosDense(4 * width),
		WProj: randomDense(4*width, width),
		BProj: zerosDense(width),
	}
}

// NewRandomViT builds a randomly initialized SplitViT. It exists for
// fixtures and the demo checkpoint generator; real deployments load
// converted pretrained weights instead.
func NewRandomViT(imageSize, patchSize, width, heads, layers, nEnd int) *SplitViT {
	if imageSize%patchSize != 0 {
		panic("nn: image size must be divisible by patch size")
	}
	if width%heads != 0 {
		panic("nn: width must be divisible by heads")
	}
	if nEnd < 1 || nEnd >= layers {
		panic("nn: nEnd must be in [1, layers)")
	}

	v := &SplitViT{
		ImageSize: imageSize,
		PatchSize: patchSize,
		Width:     width,
		Heads:     heads,
		NEnd:      nEnd,
		LNPre:     randomLayerNorm(width),
		LNPost:    randomLayerNorm(width),
	}
	v.ClassEmb = randomDense(width)
	v.PosEmb = randomDense(v.NumTokens(), width)
	v.PatchW = randomDense(3*patchSize*patchSize, width)
	for i := 0; i < layers; i++ {
		v.Blocks = append(v.Blocks, randomBlock(width))
	}
	return v
}

// NewRandomSAE builds a randomly initialized sparse autoencoder.
func NewRandomSAE(dModel, dSae int) *SparseAutoencoder {
	return &SparseAutoencoder{
		DModel: dModel,
		DSae:   dSae,
		WEnc:   randomDense(dSae, dModel),
		BEnc:   zerosDense(dSae),
		WDec:   randomDense(dModel, dSae),
		BDec:   zerosDense(dModel),
	}
}

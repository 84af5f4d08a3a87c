package nn

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"gorgonia.org/tensor"
)

// LayerNorm holds the affine parameters of one normalization layer.
type LayerNorm struct {
	Gamma *tensor.Dense // [width]
	Beta  *tensor.Dense // [width]
}

// ResBlock is one pre-norm transformer residual block: multi-head
// self-attention followed by a GELU MLP, each behind a layernorm.
// Projection weights are stored input-major, [in x out].
type ResBlock struct {
	LN1 *LayerNorm
	LN2 *LayerNorm

	WQ *tensor.Dense // [width, width]
	WK *tensor.Dense // [width, width]
	WV *tensor.Dense // [width, width]
	WO *tensor.Dense // [width, width]
	BQ *tensor.Dense // [width]
	BK *tensor.Dense // [width]
	BV *tensor.Dense // [width]
	BO *tensor.Dense // [width]

	WFC   *tensor.Dense // [width, 4*width]
	BFC   *tensor.Dense // [4*width]
	WProj *tensor.Dense // [4*width, width]
	BProj *tensor.Dense // [width]
}

// SplitViT is a frozen vision transformer whose residual block stack is
// split into a start stage (patch and position embedding through all but
// the last NEnd blocks) and an end stage (remaining blocks plus [CLS]
// pooling). The split lets callers probe per-patch embeddings mid-stack
// without re-running the earlier layers.
type SplitViT struct {
	ImageSize int
	PatchSize int
	Width     int
	Heads     int
	NEnd      int

	ClassEmb *tensor.Dense // [width]
	PosEmb   *tensor.Dense // [nTokens, width]
	PatchW   *tensor.Dense // [3*patch*patch, width]
	LNPre    *LayerNorm
	LNPost   *LayerNorm
	Blocks   []*ResBlock
}

// GridSize returns the patch grid dimension along one image axis.
func (v *SplitViT) GridSize() int {
	return v.ImageSize / v.PatchSize
}

// NumPatches returns the number of spatial patches, [CLS] excluded.
func (v *SplitViT) NumPatches() int {
	g := v.GridSize()
	return g * g
}

// NumTokens returns the token count including the [CLS] token.
func (v *SplitViT) NumTokens() int {
	return v.NumPatches() + 1
}

// PixelLen returns the expected length of a packed CHW pixel vector.
func (v *SplitViT) PixelLen() int {
	return 3 * v.ImageSize * v.ImageSize
}

// ForwardStart embeds packed CHW pixels and runs all but the last NEnd
// residual blocks. Returns one embedding per token; row 0 is [CLS].
// A pixel vector of the wrong length is an integration bug, not a
// recoverable condition.
func (v *SplitViT) ForwardStart(pixels []float64) [][]float64 {
	if len(pixels) != v.PixelLen() {
		panic(fmt.Sprintf("nn: pixel vector has length %d, model expects %d", len(pixels), v.PixelLen()))
	}

	n := v.NumTokens()
	w := v.Width
	x := make([]float64, n*w)

	copy(x[:w], v.ClassEmb.Data().([]float64))

	grid := v.GridSize()
	patchDim := 3 * v.PatchSize * v.PatchSize
	patchW := v.PatchW.Data().([]float64)
	patchVec := make([]float64, patchDim)
	for pr := 0; pr < grid; pr++ {
		for pc := 0; pc < grid; pc++ {
			i := 0
			for ch := 0; ch < 3; ch++ {
				for py := 0; py < v.PatchSize; py++ {
					rowBase := ch*v.ImageSize*v.ImageSize + (pr*v.PatchSize+py)*v.ImageSize + pc*v.PatchSize
					for px := 0; px < v.PatchSize; px++ {
						patchVec[i] = pixels[rowBase+px]
						i++
					}
				}
			}
			emb := matMul2D(patchVec, 1, patchDim, patchW, w)
			copy(x[(1+pr*grid+pc)*w:], emb)
		}
	}

	addInPlace(x, v.PosEmb.Data().([]float64))
	x = layerNormRows(x, n, w, v.LNPre.Gamma.Data().([]float64), v.LNPre.Beta.Data().([]float64))

	for _, b := range v.Blocks[:len(v.Blocks)-v.NEnd] {
		x = b.forward(x, n, w, v.Heads)
	}

	tokens := make([][]float64, n)
	for i := range tokens {
		tokens[i] = x[i*w : (i+1)*w]
	}
	return tokens
}

// ForwardEnd runs the remaining NEnd blocks and the post-layernorm, then
// pools by taking the [CLS] token.
func (v *SplitViT) ForwardEnd(tokens [][]float64) []float64 {
	n := v.NumTokens()
	w := v.Width
	if len(tokens) != n {
		panic(fmt.Sprintf("nn: got %d tokens, model expects %d", len(tokens), n))
	}

	x := make([]float64, n*w)
	for i, tok := range tokens {
		if len(tok) != w {
			panic(fmt.Sprintf("nn: token %d has width %d, model expects %d", i, len(tok), w))
		}
		copy(x[i*w:], tok)
	}

	for _, b := range v.Blocks[len(v.Blocks)-v.NEnd:] {
		x = b.forward(x, n, w, v.Heads)
	}
	x = layerNormRows(x, n, w, v.LNPost.Gamma.Data().([]float64), v.LNPost.Beta.Data().([]float64))

	pooled := make([]float64, w)
	copy(pooled, x[:w])
	return pooled
}

func (b *ResBlock) forward(x []float64, n, w, heads int) []float64 {
	t := layerNormRows(x, n, w, b.LN1.Gamma.Data().([]float64), b.LN1.Beta.Data().([]float64))
	attn := b.attention(t, n, w, heads)
	addInPlace(x, attn)

	t = layerNormRows(x, n, w, b.LN2.Gamma.Data().([]float64), b.LN2.Beta.Data().([]float64))
	h := matMul2D(t, n, w, b.WFC.Data().([]float64), 4*w)
	addBias(h, b.BFC.Data().([]float64), n, 4*w)
	geluRows(h)
	m := matMul2D(h, n, 4*w, b.WProj.Data().([]float64), w)
	addBias(m, b.BProj.Data().([]float64), n, w)
	addInPlace(x, m)

	return x
}

// attention computes multi-head scaled dot-product self-attention over
// an [n x width] token matrix.
func (b *ResBlock) attention(t []float64, n, w, heads int) []float64 {
	q := matMul2D(t, n, w, b.WQ.Data().([]float64), w)
	addBias(q, b.BQ.Data().([]float64), n, w)
	k := matMul2D(t, n, w, b.WK.Data().([]float64), w)
	addBias(k, b.BK.Data().([]float64), n, w)
	v := matMul2D(t, n, w, b.WV.Data().([]float64), w)
	addBias(v, b.BV.Data().([]float64), n, w)

	dh := w / heads
	scale := 1.0 / math.Sqrt(float64(dh))
	out := make([]float64, n*w)

	for h := 0; h < heads; h++ {
		off := h * dh

		scores := make([]float64, n*n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				sum := 0.0
				for l := 0; l < dh; l++ {
					sum += q[i*w+off+l] * k[j*w+off+l]
				}
				scores[i*n+j] = sum * scale
			}
		}

		weights := rowSoftmax(scores, n, n)

		for i := 0; i < n; i++ {
			for l := 0; l < dh; l++ {
				sum := 0.0
				for j := 0; j < n; j++ {
					sum += weights[i*n+j] * v[j*w+off+l]
				}
				out[i*w+off+l] = sum
			}
		}
	}

	proj := matMul2D(out, n, w, b.WO.Data().([]float64), w)
	addBias(proj, b.BO.Data().([]float64), n, w)
	return proj
}

// Save writes the model to a gob checkpoint file.
func (v *SplitViT) Save(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(v)
}

// LoadViT reads a gob checkpoint written by Save.
func LoadViT(fileName string) (*SplitViT, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	v := &SplitViT{}
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return nil, fmt.Errorf("decode vit checkpoint %s: %w", fileName, err)
	}
	return v, nil
}

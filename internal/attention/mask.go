package attention

import (
	"math"

	"github.com/23skdu/longbow-fastseq/internal/tensor"
)

// maskValue is the additive bias used for blocked positions.
var maskValue = float32(-math.MaxFloat32)

// ExpandPaddingMask turns a (batch, src) keep-mask of 1s and 0s into an
// additive (batch, 1, tgt, src) bias.
func ExpandPaddingMask(mask *tensor.Array, tgtLen int) (*tensor.Array, error) {
	if mask.Rank() != 2 {
		return nil, &tensor.ShapeError{Op: "padding mask", Expected: []int{-1, -1}, Actual: mask.Shape()}
	}
	bsz, srcLen := mask.Dim(0), mask.Dim(1)
	out := tensor.New(bsz, 1, tgtLen, srcLen)
	data := out.Data()
	for b := 0; b < bsz; b++ {
		for t := 0; t < tgtLen; t++ {
			row := data[(b*tgtLen+t)*srcLen : (b*tgtLen+t+1)*srcLen]
			for s := range row {
				if mask.At(b, s) == 0 {
					row[s] = maskValue
				}
			}
		}
	}
	return out, nil
}

// CausalMask builds the additive look-ahead bias (batch, 1, tgt, past+tgt):
// target position t may attend to every cached position and to new
// positions up to t.
func CausalMask(bsz, tgtLen, pastLen int) *tensor.Array {
	srcLen := pastLen + tgtLen
	out := tensor.New(bsz, 1, tgtLen, srcLen)
	data := out.Data()
	for b := 0; b < bsz; b++ {
		for t := 0; t < tgtLen; t++ {
			row := data[(b*tgtLen+t)*srcLen : (b*tgtLen+t+1)*srcLen]
			for s := pastLen + t + 1; s < srcLen; s++ {
				row[s] = maskValue
			}
		}
	}
	return out
}

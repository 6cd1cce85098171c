// Package resample provides Z-plane-wise 2D resizing of core.ImageArray
// values, adapted from the teacher's ResizeStep: the same
// golang.org/x/image/draw bilinear scaling, generalized to iterate the Z
// axis instead of operating on a single 2D image.Image.
package resample

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// ScaleDimensions computes target (width, height) preserving aspect ratio
// when exactly one of dstW/dstH is 0, mirroring the teacher's
// utils.ScaleDimensions contract.
func ScaleDimensions(srcW, srcH, dstW, dstH int) (int, int) {
	switch {
	case dstW > 0 && dstH > 0:
		return dstW, dstH
	case dstW > 0:
		return dstW, srcH * dstW / srcW
	case dstH > 0:
		return srcW * dstH / srcH, dstH
	default:
		return srcW, srcH
	}
}

// Resize resizes every Z-plane of in to (width, height), 0 meaning
// "preserve aspect ratio from the other axis", using bilinear interpolation.
func Resize(in *core.ImageArray, width, height int) (*core.ImageArray, error) {
	z, y, x := in.Shape[0], in.Shape[1], in.Shape[2]
	if z == 0 || y == 0 || x == 0 {
		return nil, ohcserrors.Execution("resample.resize", "", "", fmt.Errorf("resample: empty input array %v", in.Shape))
	}

	dstW, dstH := ScaleDimensions(x, y, width, height)
	if dstW == x && dstH == y {
		return in, nil
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, ohcserrors.Execution("resample.resize", "", "", fmt.Errorf("resample: invalid target dimensions %dx%d", dstW, dstH))
	}

	out := make([]float64, z*dstH*dstW)
	for zi := 0; zi < z; zi++ {
		plane := planeToGray16(in.Data[zi*y*x:(zi+1)*y*x], y, x)

		dst := image.NewGray16(image.Rect(0, 0, dstW, dstH))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), plane, plane.Bounds(), xdraw.Over, nil)

		grayToFloat64(dst, out[zi*dstH*dstW:(zi+1)*dstH*dstW])
	}

	return &core.ImageArray{
		Shape:  [3]int{z, dstH, dstW},
		Dtype:  in.Dtype,
		Memory: in.Memory,
		Data:   out,
	}, nil
}

// planeToGray16 lifts one Z-plane of normalized float64 samples (expected in
// [0,1]) into a 16-bit grayscale image.Image so x/image/draw's bilinear
// sampler can operate on it.
func planeToGray16(data []float64, h, w int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range data {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		img.Pix[i*2] = byte(uint16(v*65535) >> 8)
		img.Pix[i*2+1] = byte(uint16(v * 65535))
	}
	return img
}

// grayToFloat64 lowers a resized 16-bit grayscale image back into
// normalized float64 samples, writing into out.
func grayToFloat64(img *image.Gray16, out []float64) {
	for i := range out {
		hi := img.Pix[i*2]
		lo := img.Pix[i*2+1]
		out[i] = float64(uint16(hi)<<8|uint16(lo)) / 65535
	}
}

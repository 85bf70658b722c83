package biasfield

import (
	"gonum.org/v1/gonum/floats"
)

// OtsuThreshold returns the threshold that maximises the between-class
// variance of a histogram of values with the given number of bins. Voxels
// strictly above the threshold form the foreground.
func OtsuThreshold(values []float64, bins int) float64 {
	if len(values) == 0 {
		return 0
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi <= lo || bins < 2 {
		return lo
	}

	width := (hi - lo) / float64(bins)
	hist := make([]float64, bins)
	for _, v := range values {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	var sumAll float64
	for i, h := range hist {
		sumAll += float64(i) * h
	}
	total := float64(len(values))

	var (
		wB, sumB float64
		best     = -1.0
		bestBin  int
	)
	for i := 0; i < bins-1; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * hist[i]
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestBin = i
		}
	}
	return lo + float64(bestBin+1)*width
}

// Shrink block-averages data of the given shape by factor along every axis.
// Trailing voxels that do not fill a block join the last block. A factor
// of 1 returns a copy.
func Shrink(data []float64, shape [3]int, factor int) ([]float64, [3]int) {
	if factor <= 1 {
		return append([]float64(nil), data...), shape
	}

	var out [3]int
	for a := range shape {
		out[a] = max(1, shape[a]/factor)
	}
	n := out[0] * out[1] * out[2]
	sum := make([]float64, n)
	count := make([]int, n)

	idx := 0
	for z := 0; z < shape[2]; z++ {
		oz := min(z/factor, out[2]-1)
		for y := 0; y < shape[1]; y++ {
			oy := min(y/factor, out[1]-1)
			for x := 0; x < shape[0]; x++ {
				ox := min(x/factor, out[0]-1)
				o := ox + out[0]*(oy+out[1]*oz)
				sum[o] += data[idx]
				count[o]++
				idx++
			}
		}
	}
	for i := range sum {
		sum[i] /= float64(count[i])
	}
	return sum, out
}

package biasfield

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// sharpen deconvolves the histogram of the log intensities with a Gaussian
// of the configured FWHM and maps every value to the expected intensity of
// the sharpened distribution at its bin.
func (c *Corrector) sharpen(values []float64) []float64 {
	nbins := c.params.HistogramBins
	lo, hi := floats.Min(values), floats.Max(values)
	slope := (hi - lo) / float64(nbins-1)
	if slope <= 0 {
		return append([]float64(nil), values...)
	}

	// Linear splatting into the histogram.
	hist := make([]float64, nbins)
	for _, v := range values {
		ci := (v - lo) / slope
		i := int(math.Floor(ci))
		if i >= nbins-1 {
			hist[nbins-1]++
			continue
		}
		off := ci - float64(i)
		hist[i] += 1 - off
		hist[i+1] += off
	}

	exponent := int(math.Ceil(math.Log2(float64(nbins)))) + 1
	padded := 1 << exponent
	offset := (padded - nbins) / 2
	fft := fourier.NewCmplxFFT(padded)

	v := make([]complex128, padded)
	for i, h := range hist {
		v[i+offset] = complex(h, 0)
	}
	vf := fft.Coefficients(nil, v)

	// Gaussian kernel in bin units, wrapped around zero.
	scaledFWHM := c.params.FWHM / slope
	expFactor := 4 * math.Ln2 / (scaledFWHM * scaledFWHM)
	scale := 2 * math.Sqrt(math.Ln2/math.Pi) / scaledFWHM
	f := make([]complex128, padded)
	f[0] = complex(scale, 0)
	for i := 1; i <= padded/2; i++ {
		g := complex(scale*math.Exp(-float64(i*i)*expFactor), 0)
		f[i] = g
		f[padded-i] = g
	}
	ff := fft.Coefficients(nil, f)

	// Wiener deconvolution.
	uf := make([]complex128, padded)
	noise := complex(c.params.WienerNoise, 0)
	for i := range uf {
		cj := cmplx.Conj(ff[i])
		g := cj / (cj*ff[i] + noise)
		uf[i] = vf[i] * complex(real(g), 0)
	}
	u := fft.Sequence(nil, uf)
	for i := range u {
		u[i] = complex(math.Max(real(u[i]), 0), 0)
	}

	// E[value | bin] as the ratio of two smoothed histograms. The transforms
	// are unnormalised; the scale cancels in the ratio.
	num := make([]complex128, padded)
	for i := range num {
		num[i] = complex(lo+float64(i-offset)*slope, 0) * u[i]
	}
	numF := fft.Coefficients(nil, num)
	denF := fft.Coefficients(nil, u)
	for i := range numF {
		numF[i] *= ff[i]
		denF[i] *= ff[i]
	}
	numS := fft.Sequence(nil, numF)
	denS := fft.Sequence(nil, denF)

	e := make([]float64, nbins)
	for i := range e {
		if d := real(denS[i+offset]); d != 0 {
			e[i] = real(numS[i+offset]) / d
		}
	}

	out := make([]float64, len(values))
	for j, v := range values {
		ci := (v - lo) / slope
		i := int(math.Floor(ci))
		if i < nbins-1 {
			out[j] = e[i] + (e[i+1]-e[i])*(ci-float64(i))
		} else {
			out[j] = e[nbins-1]
		}
	}
	return out
}

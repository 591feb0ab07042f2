package audio

import "math"

// energyProfile answers windowed RMS queries over a sample buffer in O(1)
type energyProfile struct {
	prefix []float64 // prefix[i] = sum of squares of samples[:i]
}

func newEnergyProfile(samples []int16) *energyProfile {
	prefix := make([]float64, len(samples)+1)
	for i, s := range samples {
		prefix[i+1] = prefix[i] + float64(s)*float64(s)
	}
	return &energyProfile{prefix: prefix}
}

// rms returns the RMS of samples[from:to], clamped to the buffer bounds
func (p *energyProfile) rms(from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if n := len(p.prefix) - 1; to > n {
		to = n
	}
	if to <= from {
		return 0
	}
	return math.Sqrt((p.prefix[to] - p.prefix[from]) / float64(to-from))
}

// quietestCut returns the cut index in [lo, hi] centred on the lowest-energy window.
// Candidates are scanned from hi downward so ties favour the longer chunk.
func (p *energyProfile) quietestCut(lo, hi, window int) int {
	if hi <= lo {
		return hi
	}
	if window < 2 {
		window = 2
	}
	step := window / 2

	best := hi
	bestEnergy := math.Inf(1)
	for c := hi; c >= lo; c -= step {
		e := p.rms(c-step, c+step)
		if e < bestEnergy {
			best = c
			bestEnergy = e
		}
	}
	return best
}

// maxWindowRMS returns the loudest window RMS, used for silence detection
func (p *energyProfile) maxWindowRMS(window int) float64 {
	n := len(p.prefix) - 1
	if window <= 0 || window > n {
		window = n
	}
	var loudest float64
	for start := 0; start < n; start += window {
		if e := p.rms(start, start+window); e > loudest {
			loudest = e
		}
	}
	return loudest
}

package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFormat reports malformed or unsupported audio input
var ErrInvalidFormat = errors.New("invalid audio format")

// BytesPerSample is the size of one PCM16 sample
const BytesPerSample = 2

// BytesToSamples converts little-endian PCM16 bytes to samples
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d for PCM16", ErrInvalidFormat, len(data))
	}

	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes converts samples to little-endian PCM16 bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}

// SamplesDuration returns the playback duration of n samples
func SamplesDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// DurationSamples returns the number of samples covering d
func DurationSamples(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// RMS returns the root-mean-square level of samples
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

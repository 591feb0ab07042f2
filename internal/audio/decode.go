package audio

import (
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// resampleQuality trades CPU for accuracy in beep.Resample
const resampleQuality = 4

// Decode reads a PCM WAV container of any bit depth and channel count and
// returns mono PCM16 samples at targetRate
func Decode(r io.Reader, targetRate int) ([]int16, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", targetRate)
	}

	streamer, format, err := wav.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	defer streamer.Close()

	var source beep.Streamer = streamer
	if int(format.SampleRate) != targetRate {
		source = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(targetRate), streamer)
	}

	samples, err := streamAll(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no audio data found", ErrInvalidFormat)
	}
	return samples, nil
}

// streamAll drains a streamer, downmixing stereo frames to mono PCM16
func streamAll(s beep.Streamer) ([]int16, error) {
	buf := make([][2]float64, 4096)
	var out []int16
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, floatToPCM((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func floatToPCM(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

package audio

import (
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// ErrFramerOverflow is returned when a write does not fit the framer's free space
var ErrFramerOverflow = errors.New("frame buffer overflow")

// Framer assembles fixed-size PCM16 frames from arbitrarily sized byte writes
type Framer struct {
	frameBytes int
	ring       *ringbuffer.RingBuffer
	scratch    []byte
}

// NewFramer creates a framer for frames of frameSize samples holding up to capacityFrames frames
func NewFramer(frameSize, capacityFrames int) (*Framer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	if capacityFrames < 1 {
		return nil, fmt.Errorf("capacity must be at least 1 frame, got %d", capacityFrames)
	}

	frameBytes := frameSize * BytesPerSample
	return &Framer{
		frameBytes: frameBytes,
		ring:       ringbuffer.New(frameBytes * capacityFrames).SetBlocking(false),
		scratch:    make([]byte, frameBytes),
	}, nil
}

// Write buffers data; it fails without writing anything when data exceeds the free space
func (f *Framer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if free := f.ring.Free(); len(data) > free {
		return fmt.Errorf("%w: %d bytes offered, %d free", ErrFramerOverflow, len(data), free)
	}
	if _, err := f.ring.Write(data); err != nil {
		return fmt.Errorf("buffer audio: %w", err)
	}
	return nil
}

// Next returns the next complete frame, if one is buffered
func (f *Framer) Next() ([]int16, bool) {
	if f.ring.Length() < f.frameBytes {
		return nil, false
	}
	n, err := f.ring.Read(f.scratch)
	if err != nil || n != f.frameBytes {
		return nil, false
	}

	frame, err := BytesToSamples(f.scratch)
	if err != nil {
		return nil, false
	}
	return frame, true
}

// Feed writes data of any size, handing each completed frame to fn as space frees up
func (f *Framer) Feed(data []byte, fn func(frame []int16) error) error {
	for len(data) > 0 {
		n := f.ring.Free()
		if n > len(data) {
			n = len(data)
		}
		if n > 0 {
			if err := f.Write(data[:n]); err != nil {
				return err
			}
			data = data[n:]
		}

		drained := false
		for {
			frame, ok := f.Next()
			if !ok {
				break
			}
			drained = true
			if err := fn(frame); err != nil {
				return err
			}
		}
		if n == 0 && !drained {
			return fmt.Errorf("%w: no progress with %d bytes pending", ErrFramerOverflow, len(data))
		}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (f *Framer) Buffered() int {
	return f.ring.Length()
}

// Reset drops all buffered bytes
func (f *Framer) Reset() {
	f.ring.Reset()
}

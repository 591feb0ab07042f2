package vad

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidFrame is returned for frames that do not match the configured frame size
var ErrInvalidFrame = errors.New("malformed audio frame")

// State is the segmenter state
type State int

const (
	StateSilence State = iota
	StateSpeech
	StateTrailing
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	case StateTrailing:
		return "trailing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind tags a segmenter event
type EventKind int

const (
	// EventFrame is an ordinary frame carrying only its speech flag
	EventFrame EventKind = iota
	// EventSpeechStart marks the SILENCE -> SPEECH transition
	EventSpeechStart
	// EventSpeechEnd marks completion of the hangover
	EventSpeechEnd
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the result of processing one frame
type Event struct {
	Kind        EventKind     `json:"kind"`
	Speech      bool          `json:"speech"`      // per-frame classification
	Probability float32       `json:"probability"` // classifier output
	Timestamp   time.Duration `json:"timestamp"`   // stream-relative; boundary time for start/end events
}

// Config contains segmenter parameters
type Config struct {
	SampleRate     int
	FrameSize      int     // samples per frame
	Threshold      float32 // speech probability threshold
	StartFrames    int     // N consecutive speech frames to enter SPEECH
	HangoverFrames int     // M consecutive non-speech frames to leave TRAILING
}

// Validate checks the segmenter configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.StartFrames < 1 {
		return fmt.Errorf("start frames must be at least 1, got %d", c.StartFrames)
	}
	if c.HangoverFrames < 1 {
		return fmt.Errorf("hangover frames must be at least 1, got %d", c.HangoverFrames)
	}
	return nil
}

// FrameDuration returns the duration of one frame
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

// Segmenter converts frames into speech boundary events
type Segmenter struct {
	config     Config
	classifier Classifier

	state      State
	speechRun  int
	silenceRun int

	// Statistics
	totalFrames  uint64
	speechFrames uint64
	utterances   uint64

	mu sync.RWMutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string  `json:"state"`
	TotalFrames     uint64  `json:"total_frames"`
	SpeechFrames    uint64  `json:"speech_frames"`
	VoicePercentage float64 `json:"voice_percentage"`
	Utterances      uint64  `json:"utterances"`
	Threshold       float32 `json:"threshold"`
}

// NewSegmenter creates a segmenter in the SILENCE state
func NewSegmenter(config Config, classifier Classifier) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, errors.New("classifier cannot be nil")
	}
	return &Segmenter{
		config:     config,
		classifier: classifier,
		state:      StateSilence,
	}, nil
}

// Process classifies one frame and advances the state machine
func (s *Segmenter) Process(frame []int16) (Event, error) {
	if len(frame) != s.config.FrameSize {
		return Event{}, fmt.Errorf("%w: expected %d samples, got %d", ErrInvalidFrame, s.config.FrameSize, len(frame))
	}

	probability, err := s.classifier.Probability(frame)
	if err != nil {
		return Event{}, fmt.Errorf("classify frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.totalFrames
	s.totalFrames++

	speech := probability >= s.config.Threshold
	if speech {
		s.speechFrames++
	}

	event := Event{
		Kind:        EventFrame,
		Speech:      speech,
		Probability: probability,
		Timestamp:   s.frameTime(index),
	}

	switch s.state {
	case StateSilence:
		if !speech {
			s.speechRun = 0
			break
		}
		s.speechRun++
		if s.speechRun >= s.config.StartFrames {
			s.state = StateSpeech
			s.utterances++
			event.Kind = EventSpeechStart
			event.Timestamp = s.frameTime(index + 1 - uint64(s.speechRun))
			s.speechRun = 0
		}

	case StateSpeech:
		if speech {
			break
		}
		s.state = StateTrailing
		s.silenceRun = 1
		if s.silenceRun >= s.config.HangoverFrames {
			event = s.endSpeech(event, index)
		}

	case StateTrailing:
		if speech {
			s.state = StateSpeech
			s.silenceRun = 0
			break
		}
		s.silenceRun++
		if s.silenceRun >= s.config.HangoverFrames {
			event = s.endSpeech(event, index)
		}
	}

	return event, nil
}

// endSpeech completes the hangover; caller holds the lock
func (s *Segmenter) endSpeech(event Event, index uint64) Event {
	event.Kind = EventSpeechEnd
	event.Timestamp = s.frameTime(index + 1 - uint64(s.silenceRun))
	s.state = StateSilence
	s.silenceRun = 0
	s.speechRun = 0
	return event
}

func (s *Segmenter) frameTime(index uint64) time.Duration {
	return time.Duration(index) * s.config.FrameDuration()
}

// State returns the current state
func (s *Segmenter) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// InSpeech reports whether an utterance is open (SPEECH or TRAILING)
func (s *Segmenter) InSpeech() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state != StateSilence
}

// SetThreshold updates the speech probability threshold
func (s *Segmenter) SetThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.config.Threshold = threshold
	return nil
}

// Reset returns the segmenter to SILENCE and clears statistics
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateSilence
	s.speechRun = 0
	s.silenceRun = 0
	s.totalFrames = 0
	s.speechFrames = 0
	s.utterances = 0
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	voicePercentage := float64(0)
	if s.totalFrames > 0 {
		voicePercentage = float64(s.speechFrames) / float64(s.totalFrames) * 100
	}

	return SegmenterStats{
		State:           s.state.String(),
		TotalFrames:     s.totalFrames,
		SpeechFrames:    s.speechFrames,
		VoicePercentage: voicePercentage,
		Utterances:      s.utterances,
		Threshold:       s.config.Threshold,
	}
}

// Config returns the segmenter configuration
func (s *Segmenter) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

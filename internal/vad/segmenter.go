// Package vad segments speech from silence over an RMS loudness stream and
// detects stuck audio hardware.
package vad

import (
	"time"
)

// Event is a transition emitted by the segmenter.
type Event int

const (
	// EventSpeechStarted - loudness rose above the threshold.
	EventSpeechStarted Event = iota
	// EventSpeechEnded - loudness stayed below the threshold for the silence gap.
	EventSpeechEnded
	// EventPromotePartial - silence has lasted long enough that a held partial
	// transcript should be promoted to final.
	EventPromotePartial
	// EventStuckBuffer - the buffer has been effectively zero for the silent
	// buffer limit; the audio stack is presumed stuck and needs a reset.
	EventStuckBuffer
)

// String returns the string representation of the event.
func (e Event) String() string {
	switch e {
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSpeechEnded:
		return "SPEECH_ENDED"
	case EventPromotePartial:
		return "PROMOTE_PARTIAL"
	case EventStuckBuffer:
		return "STUCK_BUFFER"
	default:
		return "UNKNOWN"
	}
}

// Config holds segmenter thresholds.
type Config struct {
	RMSThreshold      float64       // minimum average RMS treated as speech
	SilenceGap        time.Duration // continuous sub-threshold time before silence
	FinalSilence      time.Duration // silence before promoting a held partial
	SilentBufferLimit time.Duration // zero-RMS duration treated as stuck hardware
	WindowSize        int           // rolling RMS window length
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		RMSThreshold:      0.01,
		SilenceGap:        200 * time.Millisecond,
		FinalSilence:      800 * time.Millisecond,
		SilentBufferLimit: 4 * time.Second,
		WindowSize:        30,
	}
}

// activeRMSFloor is the level below which the buffer counts as dead, not quiet.
const activeRMSFloor = 0.0001

// Segmenter applies hysteresis to an RMS stream. Not safe for concurrent use;
// it is owned by a single audio-processing flow.
type Segmenter struct {
	cfg Config

	history []float64
	level   float64 // exponentially smoothed, 0-100

	speaking          bool
	silenceStart      time.Time
	finalSilenceStart time.Time
	promoted          bool

	lastActive   time.Time
	stuckLatched bool
}

// New creates a segmenter. Zero config fields fall back to defaults.
func New(cfg Config) *Segmenter {
	def := DefaultConfig()
	if cfg.RMSThreshold == 0 {
		cfg.RMSThreshold = def.RMSThreshold
	}
	if cfg.SilenceGap == 0 {
		cfg.SilenceGap = def.SilenceGap
	}
	if cfg.FinalSilence == 0 {
		cfg.FinalSilence = def.FinalSilence
	}
	if cfg.SilentBufferLimit == 0 {
		cfg.SilentBufferLimit = def.SilentBufferLimit
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = def.WindowSize
	}
	return &Segmenter{cfg: cfg, history: make([]float64, 0, cfg.WindowSize)}
}

// Process consumes one RMS measurement and returns any transitions it caused.
func (s *Segmenter) Process(rms float64, now time.Time) []Event {
	if s.lastActive.IsZero() {
		s.lastActive = now
	}

	s.history = append(s.history, rms)
	if len(s.history) > s.cfg.WindowSize {
		s.history = s.history[1:]
	}
	avg := mean(s.history)

	normalized := float64(min(100, int(avg*500+0.5)))
	s.level = s.level*0.7 + normalized*0.3

	var events []Event

	if avg > activeRMSFloor {
		s.lastActive = now
		s.stuckLatched = false
	} else if now.Sub(s.lastActive) > s.cfg.SilentBufferLimit && !s.stuckLatched {
		// Latched until real audio returns, so a dead stream triggers exactly
		// one corrective action instead of a restart storm.
		s.stuckLatched = true
		events = append(events, EventStuckBuffer)
	}

	if avg > s.cfg.RMSThreshold {
		if !s.speaking {
			s.speaking = true
			events = append(events, EventSpeechStarted)
		}
		s.silenceStart = time.Time{}
		s.finalSilenceStart = time.Time{}
		s.promoted = false
	} else {
		if s.speaking {
			if s.silenceStart.IsZero() {
				s.silenceStart = now
			} else if now.Sub(s.silenceStart) > s.cfg.SilenceGap {
				s.speaking = false
				s.finalSilenceStart = now
				events = append(events, EventSpeechEnded)
			}
		} else if !s.finalSilenceStart.IsZero() && !s.promoted &&
			now.Sub(s.finalSilenceStart) > s.cfg.FinalSilence {
			s.promoted = true
			events = append(events, EventPromotePartial)
		}
	}

	return events
}

// Speaking reports whether the segmenter is currently inside speech.
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Level returns the smoothed audio level in [0,100].
func (s *Segmenter) Level() int {
	return int(s.level + 0.5)
}

// Reset clears all state, e.g. across a session rollover.
func (s *Segmenter) Reset(now time.Time) {
	s.history = s.history[:0]
	s.level = 0
	s.speaking = false
	s.silenceStart = time.Time{}
	s.finalSilenceStart = time.Time{}
	s.promoted = false
	s.lastActive = now
	s.stuckLatched = false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

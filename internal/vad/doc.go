// Package vad provides voice activity detection over fixed-size PCM frames.
// A per-frame classifier scores speech probability and a small state machine with
// a hangover turns those scores into speech start/end boundary events.
package vad

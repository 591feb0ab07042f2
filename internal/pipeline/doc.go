// Package pipeline is the transcription service API. Whole files are decoded,
// split at quiet points and submitted to the shared batch scheduler as one
// all-or-nothing set; streaming sessions are delegated to the stream manager.
package pipeline

// Package engine defines the inference engine contract used by the batch
// scheduler and the adapters that implement it.
//
// HTTPEngine posts a whole batch to a remote inference server in one
// multipart request. Router selects a model per language and lazily builds
// one backend per model. WhisperEngine runs whisper.cpp in-process and is
// only available when built with the whispercpp tag.
package engine

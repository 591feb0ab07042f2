// Package audio handles PCM conversion, frame assembly, container decoding and chunking.
// It turns VAD-delimited speech into bounded inference chunks for streaming sessions and
// splits whole files at low-energy points for batch submission.
package audio

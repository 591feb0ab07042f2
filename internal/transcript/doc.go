// Package transcript aggregates per-chunk recognition results into a single
// timeline and renders it as plain text or SRT captions.
package transcript

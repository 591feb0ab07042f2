// Package server exposes the transcription pipeline over the network: the HTTP
// API with file uploads and monitoring endpoints, WebSocket streaming sessions
// on /v1/stream and the optional UDP datagram ingest.
package server

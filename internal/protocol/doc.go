// Package protocol implements the TLV datagram framing used by the UDP ingest.
// A stream is opened by a start packet carrying its language, fed with sequenced
// PCM16LE audio packets and finished by an end packet.
package protocol

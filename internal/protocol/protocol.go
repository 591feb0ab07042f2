package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeStart = 0x01
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Version is the only framing version understood
	Version = 0x01

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 84
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)

	// Field sizes in the start payload
	LanguageSize  = 16
	LabelSize     = 64
	TimestampSize = 4

	// MaxPacketSize is the largest length the header can describe
	MaxPacketSize = 1<<16 - 1
)

// ErrMalformedPacket is matched by every parse and validation failure
var ErrMalformedPacket = errors.New("malformed packet")

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Start, 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Sender-chosen stream identifier
	Version    uint8
}

// StartPayload opens a stream
// Layout: [Language:16][Label:64][Timestamp:4]
type StartPayload struct {
	Language  [LanguageSize]byte // Null-terminated language code, empty for the default
	Label     [LabelSize]byte    // Null-terminated free-form label, e.g. a channel name
	Timestamp uint32             // Unix timestamp at the sender
}

// AudioPayload carries PCM16LE mono audio at the service sample rate
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number, starting at 0
	AudioData []byte
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Start  *StartPayload // Only set for start packets
	Audio  *AudioPayload // Only set for audio packets
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, malformed("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 84-byte start payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, malformed("start payload too short: expected %d bytes, got %d", StartPayloadSize, len(data))
	}

	payload := &StartPayload{}
	copy(payload.Language[:], data[:LanguageSize])
	copy(payload.Label[:], data[LanguageSize:LanguageSize+LabelSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[LanguageSize+LabelSize:])

	return payload, nil
}

// ParseAudioPayload parses the audio payload (4-byte sequence + PCM data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, malformed("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}
	if (len(data)-AudioPayloadHeaderSize)%2 != 0 {
		return nil, malformed("audio data must hold whole 16-bit samples, got %d bytes", len(data)-AudioPayloadHeaderSize)
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	// Copy audio data, the receive buffer is reused
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if int(header.PacketLen) != len(data) {
		return nil, malformed("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, err
		}
		packet.Start = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, err
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return malformed("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version {
		return malformed("unsupported version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return malformed("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return malformed("start packet payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return malformed("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return malformed("end packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeStart || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetLanguage extracts the language code as a string
func (s *StartPayload) GetLanguage() string {
	return ExtractString(s.Language[:])
}

// GetLabel extracts the label as a string
func (s *StartPayload) GetLabel() string {
	return ExtractString(s.Label[:])
}

func encodeHeader(buf []byte, packetType uint8, streamID uint32) {
	buf[0] = packetType
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version
}

// EncodeStart builds a start packet. Language and label are truncated to their field sizes.
func EncodeStart(streamID uint32, language, label string, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+StartPayloadSize)
	encodeHeader(buf, PacketTypeStart, streamID)

	payload := buf[HeaderSize:]
	copy(payload[:LanguageSize-1], language)
	copy(payload[LanguageSize:LanguageSize+LabelSize-1], label)
	binary.BigEndian.PutUint32(payload[LanguageSize+LabelSize:], timestamp)
	return buf
}

// EncodeAudio builds an audio packet
func EncodeAudio(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet of %d bytes exceeds %d", size, MaxPacketSize)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data must hold whole 16-bit samples, got %d bytes", len(pcm))
	}

	buf := make([]byte, size)
	encodeHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf, nil
}

// EncodeEnd builds an end packet
func EncodeEnd(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, PacketTypeEnd, streamID)
	return buf
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		PacketTypeName(h.PacketType), h.PacketLen, h.StreamID, h.Version)
}

// PacketTypeName returns the name of a packet type
func PacketTypeName(ptype uint8) string {
	switch ptype {
	case PacketTypeStart:
		return "Start"
	case PacketTypeAudio:
		return "Audio"
	case PacketTypeEnd:
		return "End"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", ptype)
	}
}

// String returns a human-readable representation of the start payload
func (s *StartPayload) String() string {
	return fmt.Sprintf("StartPayload{Language:%q, Label:%q, Timestamp:%d}",
		s.GetLanguage(), s.GetLabel(), s.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}

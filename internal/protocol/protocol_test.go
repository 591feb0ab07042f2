package protocol

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expected    *Header
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid start header",
			data: []byte{
				0x01,       // PacketType: Start
				0x00, 0x5C, // PacketLen: 92 (8 + 84)
				0x00, 0x00, 0x30, 0x39, // StreamID: 12345
				0x01, // Version
			},
			expected: &Header{
				PacketType: PacketTypeStart,
				PacketLen:  92,
				StreamID:   12345,
				Version:    Version,
			},
		},
		{
			name: "valid audio header",
			data: []byte{
				0x02,       // PacketType: Audio
				0x01, 0x00, // PacketLen: 256
				0x12, 0x34, 0x56, 0x78, // StreamID: 305419896
				0x01, // Version
			},
			expected: &Header{
				PacketType: PacketTypeAudio,
				PacketLen:  256,
				StreamID:   305419896,
				Version:    Version,
			},
		},
		{
			name:        "header too short",
			data:        []byte{0x01, 0x00},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name:        "empty data",
			data:        []byte{},
			expectError: true,
			errorMsg:    "header too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseHeader(tt.data)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if !errors.Is(err, ErrMalformedPacket) || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected malformed packet error containing '%s', got '%v'", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if diff := cmp.Diff(tt.expected, result); diff != "" {
				t.Errorf("Header mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseStartPayload(t *testing.T) {
	data := make([]byte, StartPayloadSize)
	copy(data[0:], "ja")
	copy(data[LanguageSize:], "SIP/1001-00000001")
	binary.BigEndian.PutUint32(data[LanguageSize+LabelSize:], 1701234567)

	payload, err := ParseStartPayload(data)
	if err != nil {
		t.Fatalf("ParseStartPayload failed: %v", err)
	}
	if payload.GetLanguage() != "ja" || payload.GetLabel() != "SIP/1001-00000001" || payload.Timestamp != 1701234567 {
		t.Errorf("Unexpected payload %s", payload)
	}

	if _, err := ParseStartPayload(data[:StartPayloadSize-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Expected malformed packet error for short payload, got %v", err)
	}
}

func TestParseAudioPayload(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		sequence    uint32
		audio       []byte
		expectError bool
	}{
		{
			name:     "audio with samples",
			data:     []byte{0x00, 0x00, 0x00, 0x2A, 0x01, 0x02, 0x03, 0x04},
			sequence: 42,
			audio:    []byte{0x01, 0x02, 0x03, 0x04},
		},
		{
			name:     "sequence only",
			data:     []byte{0xFF, 0xFF, 0xFF, 0xFF},
			sequence: 0xFFFFFFFF,
		},
		{
			name:        "too short",
			data:        []byte{0x00, 0x01},
			expectError: true,
		},
		{
			name:        "odd audio length",
			data:        []byte{0x00, 0x00, 0x00, 0x01, 0x01, 0x02, 0x03},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ParseAudioPayload(tt.data)
			if tt.expectError {
				if !errors.Is(err, ErrMalformedPacket) {
					t.Errorf("Expected malformed packet error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if payload.Sequence != tt.sequence {
				t.Errorf("Expected sequence %d, got %d", tt.sequence, payload.Sequence)
			}
			if diff := cmp.Diff(tt.audio, payload.AudioData); diff != "" {
				t.Errorf("Audio mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseAudioPayloadCopiesData(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x01, 0x10, 0x20}
	payload, err := ParseAudioPayload(data)
	if err != nil {
		t.Fatalf("ParseAudioPayload failed: %v", err)
	}
	data[4] = 0xFF
	if payload.AudioData[0] != 0x10 {
		t.Error("Audio data must not alias the receive buffer")
	}
}

func TestParsePacket(t *testing.T) {
	audioPacket, err := EncodeAudio(7, 3, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("EncodeAudio failed: %v", err)
	}

	lengthMismatch := EncodeEnd(7)
	binary.BigEndian.PutUint16(lengthMismatch[1:3], 20)

	badVersion := EncodeEnd(7)
	badVersion[7] = 0x02

	badType := EncodeEnd(7)
	badType[0] = 0x09

	endWithPayload := append(EncodeEnd(7), 0x00, 0x00)
	binary.BigEndian.PutUint16(endWithPayload[1:3], uint16(len(endWithPayload)))

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
		check    func(t *testing.T, p *ParsedPacket)
	}{
		{
			name: "start packet",
			data: EncodeStart(7, "de", "line-1", 99),
			check: func(t *testing.T, p *ParsedPacket) {
				if p.Start == nil || p.Audio != nil {
					t.Fatalf("Expected start payload only, got %+v", p)
				}
				if p.Start.GetLanguage() != "de" || p.Start.GetLabel() != "line-1" || p.Start.Timestamp != 99 {
					t.Errorf("Unexpected start payload %s", p.Start)
				}
			},
		},
		{
			name: "audio packet",
			data: audioPacket,
			check: func(t *testing.T, p *ParsedPacket) {
				if p.Audio == nil || p.Audio.Sequence != 3 || len(p.Audio.AudioData) != 2 {
					t.Errorf("Unexpected audio payload %+v", p.Audio)
				}
				if p.Header.StreamID != 7 {
					t.Errorf("Expected stream 7, got %d", p.Header.StreamID)
				}
			},
		},
		{
			name: "end packet",
			data: EncodeEnd(7),
			check: func(t *testing.T, p *ParsedPacket) {
				if p.Header.PacketType != PacketTypeEnd || p.Start != nil || p.Audio != nil {
					t.Errorf("Unexpected end packet %+v", p)
				}
			},
		},
		{name: "length mismatch", data: lengthMismatch, errorMsg: "packet length mismatch"},
		{name: "unsupported version", data: badVersion, errorMsg: "unsupported version"},
		{name: "unknown type", data: badType, errorMsg: "invalid packet type"},
		{name: "end with payload", data: endWithPayload, errorMsg: "end packet must not carry a payload"},
		{name: "truncated", data: []byte{0x01}, errorMsg: "header too short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := ParsePacket(tt.data)
			if tt.errorMsg != "" {
				if !errors.Is(err, ErrMalformedPacket) || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, packet)
		})
	}
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name     string
		header   Header
		errorMsg string
	}{
		{name: "start", header: Header{PacketType: PacketTypeStart, PacketLen: HeaderSize + StartPayloadSize, Version: Version}},
		{name: "empty audio", header: Header{PacketType: PacketTypeAudio, PacketLen: HeaderSize + AudioPayloadHeaderSize, Version: Version}},
		{name: "end", header: Header{PacketType: PacketTypeEnd, PacketLen: HeaderSize, Version: Version}},
		{name: "short start", header: Header{PacketType: PacketTypeStart, PacketLen: HeaderSize + 10, Version: Version}, errorMsg: "start packet payload size mismatch"},
		{name: "audio without sequence", header: Header{PacketType: PacketTypeAudio, PacketLen: HeaderSize + 2, Version: Version}, errorMsg: "audio packet payload too small"},
		{name: "length below header", header: Header{PacketType: PacketTypeEnd, PacketLen: 4, Version: Version}, errorMsg: "packet length too small"},
		{name: "zero type", header: Header{PacketLen: HeaderSize, Version: Version}, errorMsg: "invalid packet type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeader(&tt.header)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestEncodeStartTruncates(t *testing.T) {
	packet, err := ParsePacket(EncodeStart(1, strings.Repeat("x", 40), strings.Repeat("y", 100), 0))
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if got := packet.Start.GetLanguage(); len(got) != LanguageSize-1 {
		t.Errorf("Language should be truncated to %d bytes, got %d", LanguageSize-1, len(got))
	}
	if got := packet.Start.GetLabel(); len(got) != LabelSize-1 {
		t.Errorf("Label should be truncated to %d bytes, got %d", LabelSize-1, len(got))
	}
}

func TestEncodeAudioLimits(t *testing.T) {
	if _, err := EncodeAudio(1, 0, make([]byte, 3)); err == nil {
		t.Error("Expected error for odd audio length")
	}
	if _, err := EncodeAudio(1, 0, make([]byte, MaxPacketSize)); err == nil {
		t.Error("Expected error for oversized packet")
	}
}

func TestExtractString(t *testing.T) {
	tests := []struct {
		input    []byte
		expected string
	}{
		{[]byte{'e', 'n', 0, 'x'}, "en"},
		{[]byte{'e', 'n'}, "en"},
		{[]byte{0, 'a'}, ""},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := ExtractString(tt.input); got != tt.expected {
			t.Errorf("ExtractString(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestStringMethods(t *testing.T) {
	header := &Header{PacketType: PacketTypeEnd, PacketLen: 8, StreamID: 5, Version: Version}
	if got, want := header.String(), "Header{Type:End, Len:8, StreamID:5, Version:1}"; got != want {
		t.Errorf("Header.String() = %q, want %q", got, want)
	}
	if got := PacketTypeName(0x7F); got != "Unknown(0x7f)" {
		t.Errorf("Unexpected name %q", got)
	}
	audio := &AudioPayload{Sequence: 9, AudioData: make([]byte, 4)}
	if got, want := audio.String(), "AudioPayload{Sequence:9, AudioDataLen:4}"; got != want {
		t.Errorf("AudioPayload.String() = %q, want %q", got, want)
	}
}

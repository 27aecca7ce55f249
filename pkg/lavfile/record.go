package lavfile

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/drgolem/lavtools/pkg/sink"
)

const (
	magic         = "LAVF"
	version       = 1
	HeaderSize    = 44
	RecordSize    = 8
	recordTag0    = 'F'
	recordTag1    = 'R'
	framesOffset  = 40
	maxRepeat     = 0xFFFF
	fpsMultiplier = 1000
)

// Header is the fixed file header of a frame file.
type Header struct {
	SessionID uuid.UUID
	Params    sink.Params
	Frames    uint32 // declared frame count, repeats included
}

// Marshal serializes the header using little-endian encoding
//
// Binary format (tightly packed, 44 bytes):
//   - Magic "LAVF" (4 bytes)
//   - Version (2 bytes, uint16)
//   - Format (1 byte)
//   - Interlace (1 byte, uint8)
//   - Width, Height (2 bytes each, uint16)
//   - FPS * 1000 (4 bytes, uint32)
//   - AudioBits, Channels (1 byte each, uint8)
//   - Reserved (2 bytes)
//   - AudioRate (4 bytes, uint32)
//   - SessionID (16 bytes)
//   - Frames (4 bytes, uint32)
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], version)
	buf[6] = h.Params.Format
	buf[7] = uint8(h.Params.Interlace)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Params.Width))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(h.Params.Height))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Params.FPS*fpsMultiplier+0.5))
	buf[16] = uint8(h.Params.AudioBits)
	buf[17] = uint8(h.Params.Channels)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Params.AudioRate))
	copy(buf[24:40], h.SessionID[:])
	binary.LittleEndian.PutUint32(buf[framesOffset:framesOffset+4], h.Frames)
	return buf
}

// Unmarshal parses a header written by Marshal.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("header too small: got %d bytes, need %d bytes", len(data), HeaderSize)
	}
	if string(data[0:4]) != magic {
		return fmt.Errorf("not a frame file: bad magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != version {
		return fmt.Errorf("unsupported frame file version %d", v)
	}

	h.Params = sink.Params{
		Format:    data[6],
		Interlace: int(data[7]),
		Width:     int(binary.LittleEndian.Uint16(data[8:10])),
		Height:    int(binary.LittleEndian.Uint16(data[10:12])),
		FPS:       float64(binary.LittleEndian.Uint32(data[12:16])) / fpsMultiplier,
		AudioBits: int(data[16]),
		Channels:  int(data[17]),
		AudioRate: int(binary.LittleEndian.Uint32(data[20:24])),
	}
	copy(h.SessionID[:], data[24:40])
	h.Frames = binary.LittleEndian.Uint32(data[framesOffset : framesOffset+4])
	return nil
}

// RecordHeader precedes every frame in the file.
type RecordHeader struct {
	Repeat uint16 // number of consecutive frames this record stands for
	Length uint32 // bytes of frame data that follow
}

// Marshal serializes the record header
//
// Binary format (8 bytes): tag "FR", Repeat (uint16), Length (uint32)
func (r *RecordHeader) Marshal() []byte {
	buf := make([]byte, RecordSize)
	buf[0], buf[1] = recordTag0, recordTag1
	binary.LittleEndian.PutUint16(buf[2:4], r.Repeat)
	binary.LittleEndian.PutUint32(buf[4:8], r.Length)
	return buf
}

// Unmarshal parses a record header.
func (r *RecordHeader) Unmarshal(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("record header too small: got %d bytes, need %d bytes", len(data), RecordSize)
	}
	if data[0] != recordTag0 || data[1] != recordTag1 {
		return fmt.Errorf("bad record tag %q", data[0:2])
	}
	r.Repeat = binary.LittleEndian.Uint16(data[2:4])
	r.Length = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler interface
func (r *RecordHeader) MarshalBinary() ([]byte, error) {
	return r.Marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler interface
func (r *RecordHeader) UnmarshalBinary(data []byte) error {
	return r.Unmarshal(data)
}

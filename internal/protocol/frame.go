package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// VersionBasic is the 17-byte header layout
	VersionBasic byte = '1'

	// VersionExtended adds a trailing ErrorCode field (21 bytes)
	VersionExtended byte = '2'

	// HeaderSizeBasic is the header size for version '1': Length + Version + CommandID + SubjectID + Status
	HeaderSizeBasic = 4 + 1 + 4 + 4 + 4

	// HeaderSizeExtended is the header size for version '2': basic header + ErrorCode
	HeaderSizeExtended = HeaderSizeBasic + 4

	// DefaultMaxFrameSize is the upper bound for a declared frame length (8 MiB)
	DefaultMaxFrameSize = 8 * 1024 * 1024
)

// Frame layout (Big Endian, shared by clients and every backend service):
//
//	Offset  Size    Type      Description
//	0-3     4       uint32    length - total frame length including this header
//	4       1       byte      version - ASCII '1' or '2'
//	5-8     4       uint32    commandId - protocol opcode
//	9-12    4       uint32    subjectId - user the frame concerns (0 before login)
//	13-16   4       int32     status - 0 on success
//	17-20   4       uint32    errorCode - only present when version == '2'
//	...             body      opaque payload, never interpreted by the gateway

var (
	// ErrFrameLength is reported when a declared length is outside [header, max]
	ErrFrameLength = errors.New("frame length out of bounds")

	// ErrFrameVersion is reported for an unknown version byte
	ErrFrameVersion = errors.New("unknown frame version")
)

// Frame is one decoded protocol unit
type Frame struct {
	Version   byte
	CommandID uint32
	SubjectID uint32
	Status    int32
	ErrorCode uint32
	Body      []byte
}

// NewFrame builds a version '1' frame
func NewFrame(commandID, subjectID uint32, status int32, body []byte) Frame {
	return Frame{
		Version:   VersionBasic,
		CommandID: commandID,
		SubjectID: subjectID,
		Status:    status,
		Body:      body,
	}
}

// HeaderLength returns the header size for a version byte, or 0 if the version is unknown
func HeaderLength(version byte) int {
	switch version {
	case VersionBasic:
		return HeaderSizeBasic
	case VersionExtended:
		return HeaderSizeExtended
	default:
		return 0
	}
}

// Len returns the encoded length of the frame
func (f Frame) Len() int {
	return HeaderLength(f.version()) + len(f.Body)
}

func (f Frame) version() byte {
	if f.Version == VersionExtended {
		return VersionExtended
	}
	return VersionBasic
}

// String is used in log fields
func (f Frame) String() string {
	return fmt.Sprintf("cmd=%d subject=%d status=%d body=%d", f.CommandID, f.SubjectID, f.Status, len(f.Body))
}

// Encode serializes the frame into a newly allocated buffer.
// An unknown version is written as version '1'.
func Encode(f Frame) []byte {
	version := f.version()
	headerLen := HeaderLength(version)
	buf := make([]byte, headerLen+len(f.Body))

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	buf[4] = version
	binary.BigEndian.PutUint32(buf[5:9], f.CommandID)
	binary.BigEndian.PutUint32(buf[9:13], f.SubjectID)
	binary.BigEndian.PutUint32(buf[13:17], uint32(f.Status))
	if version == VersionExtended {
		binary.BigEndian.PutUint32(buf[17:21], f.ErrorCode)
	}
	copy(buf[headerLen:], f.Body)
	return buf
}

// WriteFrame encodes f and writes it in one call so concurrent writers
// holding the same lock never interleave partial frames
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// parseHeader reads the fixed fields of a frame whose bytes are fully available.
// The caller has already validated the length and version.
func parseHeader(buf []byte) Frame {
	f := Frame{
		Version:   buf[4],
		CommandID: binary.BigEndian.Uint32(buf[5:9]),
		SubjectID: binary.BigEndian.Uint32(buf[9:13]),
		Status:    int32(binary.BigEndian.Uint32(buf[13:17])),
	}
	if f.Version == VersionExtended {
		f.ErrorCode = binary.BigEndian.Uint32(buf[17:21])
	}
	return f
}

// Package wire implements the binary encoding of event payloads exchanged
// on the file_event channel. The format is a 1-byte variant tag followed by
// big-endian uint64 fields and length-prefixed UTF-8 path strings, so that
// every peer running the same version decodes byte-for-byte identically.
package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// variant tags. Values are part of the wire format and must never change
// once peers depend on them.
const (
	tagNewFile      byte = 1
	tagModifiedFile byte = 2
	tagRemovedFile  byte = 3
	tagRenamedFile  byte = 4
)

// DecodeError reports why a byte slice could not be decoded into an
// EventPayload: an unknown variant tag, truncated input, or non-UTF-8 path
// bytes.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return errors.Errorf("wire: decode error at offset %d: %s", e.Offset, e.Reason).Error()
}

func decodeErr(offset int, reason string) error {
	return &DecodeError{Offset: offset, Reason: reason}
}

// EventPayload is the closed tagged union of file events. It is a sum type
// dispatched by type switch, not an open interface hierarchy.
type EventPayload interface {
	kind() byte
}

// NewFile announces a file seen for the first time by its emitter.
type NewFile struct {
	EmitterID uint64
	Hash      uint64
	Path      string
}

func (NewFile) kind() byte { return tagNewFile }

// ModifiedFile announces new content for an already-known path.
type ModifiedFile struct {
	EmitterID uint64
	Hash      uint64
	Path      string
}

func (ModifiedFile) kind() byte { return tagModifiedFile }

// RemovedFile announces a path was deleted.
type RemovedFile struct {
	EmitterID uint64
	Path      string
}

func (RemovedFile) kind() byte { return tagRemovedFile }

// RenamedFile announces a path moved from OldPath to NewPath.
type RenamedFile struct {
	EmitterID uint64
	OldPath   string
	NewPath   string
}

func (RenamedFile) kind() byte { return tagRenamedFile }

// Encode serializes an EventPayload to its binary wire form. It never fails
// for any of the four well-formed variants defined in this package.
func Encode(payload EventPayload) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, payload.kind())

	switch p := payload.(type) {
	case NewFile:
		buf = appendUint64(buf, p.EmitterID)
		buf = appendUint64(buf, p.Hash)
		buf = appendPath(buf, p.Path)
	case ModifiedFile:
		buf = appendUint64(buf, p.EmitterID)
		buf = appendUint64(buf, p.Hash)
		buf = appendPath(buf, p.Path)
	case RemovedFile:
		buf = appendUint64(buf, p.EmitterID)
		buf = appendPath(buf, p.Path)
	case RenamedFile:
		buf = appendUint64(buf, p.EmitterID)
		buf = appendPath(buf, p.OldPath)
		buf = appendPath(buf, p.NewPath)
	default:
		panic("wire: unknown EventPayload implementation")
	}
	return buf
}

// Decode parses a binary wire payload back into an EventPayload. It fails
// with a *DecodeError on an unknown variant tag, truncated input, or
// non-UTF-8 path bytes.
func Decode(b []byte) (EventPayload, error) {
	if len(b) < 1 {
		return nil, decodeErr(0, "empty input, missing variant tag")
	}
	tag := b[0]
	rest := b[1:]
	offset := 1

	switch tag {
	case tagNewFile, tagModifiedFile:
		emitterID, rest, offset, err := readUint64(rest, offset)
		if err != nil {
			return nil, err
		}
		hash, rest, offset, err := readUint64(rest, offset)
		if err != nil {
			return nil, err
		}
		path, _, _, err := readPath(rest, offset)
		if err != nil {
			return nil, err
		}
		if tag == tagNewFile {
			return NewFile{EmitterID: emitterID, Hash: hash, Path: path}, nil
		}
		return ModifiedFile{EmitterID: emitterID, Hash: hash, Path: path}, nil
	case tagRemovedFile:
		emitterID, rest, offset, err := readUint64(rest, offset)
		if err != nil {
			return nil, err
		}
		path, _, _, err := readPath(rest, offset)
		if err != nil {
			return nil, err
		}
		return RemovedFile{EmitterID: emitterID, Path: path}, nil
	case tagRenamedFile:
		emitterID, rest, offset, err := readUint64(rest, offset)
		if err != nil {
			return nil, err
		}
		oldPath, rest, offset, err := readPath(rest, offset)
		if err != nil {
			return nil, err
		}
		newPath, _, _, err := readPath(rest, offset)
		if err != nil {
			return nil, err
		}
		return RenamedFile{EmitterID: emitterID, OldPath: oldPath, NewPath: newPath}, nil
	default:
		return nil, decodeErr(0, "unknown variant tag")
	}
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendPath(buf []byte, path string) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(path)))
	buf = append(buf, tmp[:]...)
	return append(buf, path...)
}

func readUint64(b []byte, offset int) (uint64, []byte, int, error) {
	if len(b) < 8 {
		return 0, nil, offset, decodeErr(offset, "truncated input, expected 8-byte uint64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], offset + 8, nil
}

func readPath(b []byte, offset int) (string, []byte, int, error) {
	if len(b) < 4 {
		return "", nil, offset, decodeErr(offset, "truncated input, expected 4-byte path length")
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	offset += 4
	if len(b) < n {
		return "", nil, offset, decodeErr(offset, "truncated input, path shorter than declared length")
	}
	raw := b[:n]
	if !utf8.Valid(raw) {
		return "", nil, offset, decodeErr(offset, "path bytes are not valid UTF-8")
	}
	return string(raw), b[n:], offset + n, nil
}

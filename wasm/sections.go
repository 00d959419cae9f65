package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported WebAssembly binary format version.
	Version uint32 = 0x01
)

// SectionCustom is the ID of custom sections, which can appear anywhere
// in a module and carry a name followed by arbitrary payload bytes.
const SectionCustom byte = 0

// Parsing errors returned by CustomSections.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// CustomSection is a named custom section extracted from a module.
type CustomSection struct {
	Name    string
	Payload []byte
}

// CustomSections scans a WebAssembly binary and returns its custom
// sections. Non-custom sections are skipped without being decoded; the
// scanner only needs the binary to be structurally sound at the section
// level.
func CustomSections(data []byte) ([]CustomSection, error) {
	r := bytes.NewReader(data)

	var magic, version uint32
	if err := readU32LE(r, &magic); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	if err := readU32LE(r, &version); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	var sections []CustomSection
	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("section header: %w", err)
		}

		sectionSize, err := ReadLEB128u(r)
		if err != nil {
			return nil, fmt.Errorf("section size: %w", err)
		}
		if uint64(sectionSize) > uint64(r.Len()) {
			return nil, fmt.Errorf("section %d: size %d exceeds remaining %d", sectionID, sectionSize, r.Len())
		}

		payload := make([]byte, sectionSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("section data: %w", err)
		}

		if sectionID != SectionCustom {
			continue
		}

		sr := bytes.NewReader(payload)
		nameLen, err := ReadLEB128u(sr)
		if err != nil {
			return nil, fmt.Errorf("custom section name length: %w", err)
		}
		if uint64(nameLen) > uint64(sr.Len()) {
			return nil, fmt.Errorf("custom section name length %d exceeds section", nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(sr, name); err != nil {
			return nil, fmt.Errorf("custom section name: %w", err)
		}
		rest := make([]byte, sr.Len())
		if _, err := io.ReadFull(sr, rest); err != nil {
			return nil, fmt.Errorf("custom section payload: %w", err)
		}

		sections = append(sections, CustomSection{Name: string(name), Payload: rest})
	}

	return sections, nil
}

// FindCustomSection returns the payload of the first custom section
// with the given name, or ok=false if the module carries none.
func FindCustomSection(data []byte, name string) (payload []byte, ok bool, err error) {
	sections, err := CustomSections(data)
	if err != nil {
		return nil, false, err
	}
	for _, s := range sections {
		if s.Name == name {
			return s.Payload, true, nil
		}
	}
	return nil, false, nil
}

// IsModule reports whether data starts with the core wasm preamble.
func IsModule(data []byte) bool {
	return len(data) >= 8 &&
		data[0] == 0x00 && data[1] == 0x61 && data[2] == 0x73 && data[3] == 0x6D &&
		data[4] == 0x01 && data[5] == 0x00 && data[6] == 0x00 && data[7] == 0x00
}

func readU32LE(r io.Reader, v *uint32) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	*v = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return nil
}

// Package image implements the binary program image: an assembled program
// plus the machine settings needed to run it, encoded as canonical CBOR so
// the same program always produces the same bytes.
package image

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/svm/pkg/asm"
	"github.com/chazu/svm/pkg/bytecode"
)

const (
	// Magic identifies an image file.
	Magic = "SVMI"
	// Version is the current image format version.
	Version = 1
	// Ext is the conventional file extension for images.
	Ext = ".svmi"
)

var (
	ErrBadMagic = errors.New("image: bad magic")
	ErrVersion  = errors.New("image: unsupported version")
	ErrDigest   = errors.New("image: code digest mismatch")
)

// Image is a self-contained executable program.
type Image struct {
	Magic         string         `cbor:"1,keyasint"`
	Version       uint16         `cbor:"2,keyasint"`
	Entry         int            `cbor:"3,keyasint"`
	Globals       int            `cbor:"4,keyasint,omitempty"` // 0 selects the engine default
	StackCapacity int            `cbor:"5,keyasint,omitempty"` // 0 selects the engine default
	Code          []int64        `cbor:"6,keyasint"`
	Symbols       map[string]int `cbor:"7,keyasint,omitempty"`
	Digest        [32]byte       `cbor:"8,keyasint"` // SHA-256 of the encoded code
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// FromObject builds an image from assembler output.
func FromObject(obj *asm.Object) *Image {
	img := &Image{
		Magic:   Magic,
		Version: Version,
		Entry:   obj.Entry,
		Globals: obj.Globals,
		Code:    make([]int64, len(obj.Code)),
	}
	for i, c := range obj.Code {
		img.Code[i] = int64(c)
	}
	if len(obj.Symbols) > 0 {
		img.Symbols = make(map[string]int, len(obj.Symbols))
		for name, addr := range obj.Symbols {
			img.Symbols[name] = addr
		}
	}
	return img
}

// Program returns the image's code as a bytecode program.
func (img *Image) Program() bytecode.Program {
	p := make(bytecode.Program, len(img.Code))
	for i, c := range img.Code {
		p[i] = bytecode.Cell(c)
	}
	return p
}

// Options returns the engine options recorded in the image.
func (img *Image) Options() []bytecode.Option {
	opts := []bytecode.Option{bytecode.WithStartIP(img.Entry)}
	if img.Globals > 0 {
		opts = append(opts, bytecode.WithGlobals(img.Globals))
	}
	if img.StackCapacity > 0 {
		opts = append(opts, bytecode.WithStackCapacity(img.StackCapacity))
	}
	return opts
}

func codeDigest(code []int64) ([32]byte, error) {
	data, err := cborEncMode.Marshal(code)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Marshal serializes an image to CBOR bytes, filling in the header and
// digest.
func Marshal(img *Image) ([]byte, error) {
	out := *img
	out.Magic = Magic
	out.Version = Version
	digest, err := codeDigest(out.Code)
	if err != nil {
		return nil, fmt.Errorf("image: marshal code: %w", err)
	}
	out.Digest = digest
	return cborEncMode.Marshal(&out)
}

// Unmarshal deserializes and validates an image.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Magic != Magic {
		return nil, fmt.Errorf("%w %q", ErrBadMagic, img.Magic)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("%w %d (want %d)", ErrVersion, img.Version, Version)
	}
	digest, err := codeDigest(img.Code)
	if err != nil {
		return nil, fmt.Errorf("image: digest: %w", err)
	}
	if digest != img.Digest {
		return nil, ErrDigest
	}
	return &img, nil
}

// ReadFile loads an image from disk.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	img, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// WriteFile stores an image on disk.
func WriteFile(path string, img *Image) error {
	data, err := Marshal(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// IsImage reports whether data starts like an encoded image. It lets
// callers accept either assembly text or an image without relying on the
// file extension.
func IsImage(data []byte) bool {
	// A canonical CBOR map whose first key is 1 followed by the text "SVMI".
	prefix := []byte{0x01, 0x64, 'S', 'V', 'M', 'I'}
	return len(data) > len(prefix) && data[0]&0xe0 == 0xa0 && bytes.HasPrefix(data[1:], prefix)
}

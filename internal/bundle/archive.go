package bundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
)

// Magic opens every bundle archive.
const Magic = "EDGEBNDL"

const archiveVersion byte = 1

// MaxArchiveBytes caps the decompressed size of an archive.
const MaxArchiveBytes = 256 << 20

// ErrNotArchive is returned by Decode for input without the archive magic.
var ErrNotArchive = errors.New("not a bundle archive")

// Encode writes b as magic, version and a brotli-compressed JSON document.
func Encode(w io.Writer, b *Bundle) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{archiveVersion}); err != nil {
		return err
	}
	bw := brotli.NewWriterLevel(w, brotli.BestCompression)
	if err := json.NewEncoder(bw).Encode(b); err != nil {
		bw.Close()
		return fmt.Errorf("encoding bundle: %w", err)
	}
	return bw.Close()
}

// Decode reads an archive written by Encode.
func Decode(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(Magic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNotArchive
		}
		return nil, err
	}
	if string(head[:len(Magic)]) != Magic {
		return nil, ErrNotArchive
	}
	if v := head[len(Magic)]; v != archiveVersion {
		return nil, fmt.Errorf("unsupported bundle archive version %d", v)
	}
	var b Bundle
	dec := json.NewDecoder(io.LimitReader(brotli.NewReader(br), MaxArchiveBytes))
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if b.Code == "" {
		return nil, errors.New("decoding bundle: archive holds no code")
	}
	return &b, nil
}

// IsArchive reports whether the file at path starts with the archive magic.
func IsArchive(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, []byte(Magic))
}

// ReadArchive decodes the archive at path.
func ReadArchive(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Extract writes the bundle's sources below dir. Paths escaping dir are
// rejected.
func Extract(b *Bundle, dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for name, src := range b.Sources {
		target := filepath.Join(root, filepath.FromSlash(name))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("bundle entry %q escapes %s", name, dir)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(src), 0o644); err != nil {
			return err
		}
	}
	return nil
}

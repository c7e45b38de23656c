package encoder

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// DefaultOutputPath is the artifact written when no path is configured.
const DefaultOutputPath = "btc-blocks.json"

// CompressedSuffix marks zstd-compressed artifacts.
const CompressedSuffix = ".zst"

// Options controls how an artifact is written.
type Options struct {
	// Compress writes zstd-compressed JSON. Implied by a ".zst" path.
	Compress bool

	// Level is the zstd encoder level. Zero means zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

func (o Options) compressed(path string) bool {
	return o.Compress || strings.HasSuffix(path, CompressedSuffix)
}

// WriteFile writes rec to path as compact JSON. The file is staged in the
// same directory and renamed into place, so readers never see a partial
// artifact.
func WriteFile(path string, rec *Record, opts Options) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := Write(tmp, rec, opts.compressed(path), opts.Level); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// Write encodes rec to w, optionally through a zstd stream.
func Write(w io.Writer, rec *Record, compress bool, level zstd.EncoderLevel) error {
	if !compress {
		return writeJSON(w, rec)
	}

	if level == 0 {
		level = zstd.SpeedDefault
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := writeJSON(zw, rec); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zstd flush: %w", err)
	}
	return nil
}

// Digest returns the hex BLAKE3 digest of rec's uncompressed JSON, the same
// bytes WriteFile stores before any compression.
func Digest(rec *Record) (string, error) {
	h := blake3.New()
	if err := writeJSON(h, rec); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(w io.Writer, rec *Record) error {
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return nil
}

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ReadFile loads an artifact written by WriteFile, compressed or not.
func ReadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(len(zstdMagic)); bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}

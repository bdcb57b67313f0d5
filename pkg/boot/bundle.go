package boot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
)

// Entry names inside a firmware bundle
const (
	BundleLoader = "loader"
	BundleImage  = "image"
)

// cpio newc magic
var bundleMagic = []byte("070701")

// Bundle is a firmware image shipped together with the secondary loader
// that streams it.
type Bundle struct {
	Loader []byte
	Image  []byte
}

// IsBundle reports whether data starts like a cpio archive
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, bundleMagic)
}

// ReadBundle parses a cpio archive. The image entry is required; unknown
// entries are skipped.
func ReadBundle(r io.Reader) (*Bundle, error) {
	cr := cpio.NewReader(r)
	b := &Bundle{}
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading bundle: %w", err)
		}

		var dst *[]byte
		switch hdr.Name {
		case BundleLoader:
			dst = &b.Loader
		case BundleImage:
			dst = &b.Image
		default:
			continue
		}
		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("reading bundle entry %q: %w", hdr.Name, err)
		}
		*dst = data
	}

	if len(b.Image) == 0 {
		return nil, fmt.Errorf("bundle has no %q entry", BundleImage)
	}
	return b, nil
}

// WriteTo writes the bundle as a cpio archive
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	aw := cpio.NewWriter(cw)

	entries := []struct {
		name string
		data []byte
	}{
		{BundleLoader, b.Loader},
		{BundleImage, b.Image},
	}
	for _, e := range entries {
		if e.data == nil {
			continue
		}
		err := aw.WriteHeader(&cpio.Header{
			Name: e.name,
			Mode: 0644,
			Size: int64(len(e.data)),
		})
		if err != nil {
			return cw.n, err
		}
		if _, err := aw.Write(e.data); err != nil {
			return cw.n, err
		}
	}

	err := aw.Close()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// File: internal/device/pcapdev/file.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Capture file access. The format follows the file name: ".pcapng" selects
// pcapng, a trailing ".gz" or ".zst" adds a compression layer.

package pcapdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const defaultSnapLen = 65535

type compression int

const (
	compressNone compression = iota
	compressGzip
	compressZstd
)

// classify strips compression suffixes and reports the container format.
func classify(path string) (comp compression, ng bool) {
	base := strings.ToLower(path)
	switch {
	case strings.HasSuffix(base, ".gz"):
		comp, base = compressGzip, strings.TrimSuffix(base, ".gz")
	case strings.HasSuffix(base, ".zst"):
		comp, base = compressZstd, strings.TrimSuffix(base, ".zst")
	}
	return comp, strings.HasSuffix(base, ".pcapng")
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// captureReader reads frames from a possibly compressed capture file.
type captureReader struct {
	r       packetReader
	closers []func() error
}

func openCapture(path string) (*captureReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cr := &captureReader{closers: []func() error{f.Close}}
	var src io.Reader = f
	comp, ng := classify(path)
	switch comp {
	case compressGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			cr.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		cr.closers = append(cr.closers, zr.Close)
		src = zr
	case compressZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			cr.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		cr.closers = append(cr.closers, func() error { zr.Close(); return nil })
		src = zr
	}
	if ng {
		cr.r, err = pcapgo.NewNgReader(src, pcapgo.DefaultNgReaderOptions)
	} else {
		cr.r, err = pcapgo.NewReader(src)
	}
	if err != nil {
		cr.Close()
		return nil, fmt.Errorf("read capture header %s: %w", path, err)
	}
	return cr, nil
}

// Next returns the next frame, or io.EOF.
func (c *captureReader) Next() ([]byte, error) {
	data, _, err := c.r.ReadPacketData()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases layers innermost first.
func (c *captureReader) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// readAll loads every frame of a capture, for infinite replay.
func readAll(path string) ([][]byte, error) {
	cr, err := openCapture(path)
	if err != nil {
		return nil, err
	}
	defer cr.Close()
	var frames [][]byte
	for {
		data, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, append([]byte(nil), data...))
	}
}

type packetWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

// captureWriter appends Ethernet frames to a capture file.
type captureWriter struct {
	w       packetWriter
	flush   func() error
	closers []func() error
}

func createCapture(path string) (*captureWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	cw := &captureWriter{closers: []func() error{f.Close}, flush: func() error { return nil }}
	var dst io.Writer = f
	comp, ng := classify(path)
	switch comp {
	case compressGzip:
		zw := gzip.NewWriter(f)
		cw.closers = append(cw.closers, zw.Close)
		dst = zw
	case compressZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			cw.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		cw.closers = append(cw.closers, zw.Close)
		dst = zw
	}
	if ng {
		nw, err := pcapgo.NewNgWriter(dst, layers.LinkTypeEthernet)
		if err != nil {
			cw.Close()
			return nil, fmt.Errorf("write capture header %s: %w", path, err)
		}
		cw.w, cw.flush = nw, nw.Flush
	} else {
		pw := pcapgo.NewWriter(dst)
		if err := pw.WriteFileHeader(defaultSnapLen, layers.LinkTypeEthernet); err != nil {
			cw.Close()
			return nil, fmt.Errorf("write capture header %s: %w", path, err)
		}
		cw.w = pw
	}
	return cw, nil
}

// Close flushes and releases layers innermost first.
func (c *captureWriter) Close() error {
	var errs []error
	if c.w != nil {
		if err := c.flush(); err != nil {
			errs = append(errs, err)
		}
		c.w = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format is the encoding of a snapshot payload, detected from its leading bytes
type Format int

const (
	FormatUnknown Format = iota
	FormatSQLite
	FormatGzip
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatSQLite:
		return "sqlite"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	}
	return "unknown"
}

var (
	sqliteMagic = []byte("SQLite format 3\x00")
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// sqliteHeaderSize is the fixed size of the database header
const sqliteHeaderSize = 100

// Sniff detects the payload format. Upstream transports may have already
// decompressed the content, so the bytes decide, never the file name or
// response headers.
func Sniff(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, sqliteMagic):
		return FormatSQLite
	case bytes.HasPrefix(header, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(header, zstdMagic):
		return FormatZstd
	}
	return FormatUnknown
}

// SniffFile detects the format of the file at path
func SniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	return Sniff(header[:n]), nil
}

// VerifySQLite checks the database header: magic string, a sane page size,
// and a file length holding at least one page.
func VerifySQLite(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, sqliteHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("short database header: %w", err)
	}
	if !bytes.HasPrefix(header, sqliteMagic) {
		return fmt.Errorf("missing SQLite header")
	}

	pageSize := int64(binary.BigEndian.Uint16(header[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("invalid page size %d", pageSize)
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < pageSize || info.Size()%pageSize != 0 {
		return fmt.Errorf("truncated database: %d bytes with %d-byte pages", info.Size(), pageSize)
	}
	return nil
}

// newDecoder wraps r with the decompressor for format
func newDecoder(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported format %s", format)
}

// decodeFile decompresses src into a new file at dst
func decodeFile(ctx context.Context, dst, src string, format Format) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dec, err := newDecoder(in, format)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return writeFile(ctx, dst, dec, nil)
}

// writeFile streams r into a new file at path and syncs it
func writeFile(ctx context.Context, path string, r io.Reader, progress io.Writer) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	var w io.Writer = out
	if progress != nil {
		w = io.MultiWriter(out, progress)
	}

	n, err := copyWithContext(ctx, w, r, 0)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return n, out.Close()
}

// copyWithContext copies from src to dst while respecting context cancellation
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = 128 * 1024 // Default 128KB
	}

	buf := make([]byte, bufferSize)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = fmt.Errorf("invalid write result")
				}
			}
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er != io.EOF {
				return written, er
			}
			break
		}
	}
	return written, nil
}

// Encode writes the database at srcPath to dst in the given format, for
// publishing. FormatSQLite copies the file unchanged.
func Encode(ctx context.Context, dst io.Writer, srcPath string, format Format) (int64, error) {
	if err := VerifySQLite(srcPath); err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrSnapshotCorrupt, err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	var enc io.WriteCloser
	switch format {
	case FormatSQLite:
		return copyWithContext(ctx, dst, in, 0)
	case FormatGzip:
		enc, err = gzip.NewWriterLevel(dst, gzip.BestCompression)
	case FormatZstd:
		enc, err = zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	default:
		return 0, fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return 0, err
	}

	n, err := copyWithContext(ctx, enc, in, 0)
	if err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// ParseFormat maps a name to a Format
func ParseFormat(name string) (Format, error) {
	switch name {
	case "sqlite", "none", "raw":
		return FormatSQLite, nil
	case "gzip", "gz":
		return FormatGzip, nil
	case "zstd", "zst":
		return FormatZstd, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unknown format %q", util.ErrInvalidConfig, name)
}

// Package dump decodes a store file into a human-readable description of
// its headers, chunks and pages. It reads the file directly and does not
// need the types of the maps it contains.
package dump

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/fs"
)

const scanBatchBlocks = 256

// Header is one copy of the file header.
type Header struct {
	Block int
	Valid bool
	Error string
	format.FileHeader
}

// Page describes a page record.
type Page struct {
	Offset     uint32
	Length     uint32
	MapID      uint32
	Node       bool
	Spatial    bool
	Compressed bool
	Keys       int
	Children   []int64
	// Entries holds the decoded entries of meta map leaves.
	Entries [][2]string
	Error   string
}

// Chunk describes a chunk found in the file.
type Chunk struct {
	format.ChunkHeader
	Block   uint64
	BodyOK  bool
	Pages   []Page
	Current bool // referenced by the newest valid file header
}

// Report is the decoded content of a store file.
type Report struct {
	Size    int64
	Headers []Header
	Chunks  []Chunk
}

// ScanFile opens name on fsys read-only and scans it.
func ScanFile(fsys fs.FileSystem, name string) (*Report, error) {
	f, err := fsys.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", name)
	}
	defer f.Close()
	size, err := fs.Size(f)
	if err != nil {
		return nil, err
	}
	return Scan(f, size)
}

// Scan reads the store file r of the given size.
func Scan(r io.ReaderAt, size int64) (*Report, error) {
	rep := &Report{Size: size}

	buf := make([]byte, format.HeaderBlocks*format.BlockSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read file header")
	}
	var (
		codec   compress.Type
		current format.FileHeader
		found   bool
	)
	for i := range format.HeaderBlocks {
		lo := i * format.BlockSize
		if lo >= n {
			break
		}
		h, err := format.ParseFileHeader(buf[lo:min(lo+format.BlockSize, n)])
		hdr := Header{Block: i, Valid: err == nil, FileHeader: h}
		if err != nil {
			hdr.Error = err.Error()
		} else if !found || h.Version > current.Version {
			current, found = h, true
			codec = compress.Type(h.Compression)
		}
		rep.Headers = append(rep.Headers, hdr)
	}

	chunk := make([]byte, scanBatchBlocks*format.BlockSize)
	for block := uint64(format.HeaderBlocks); int64(block)*format.BlockSize < size; {
		n, err := r.ReadAt(chunk, int64(block)*format.BlockSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return rep, errors.Wrapf(err, "read block %d", block)
		}
		next := block + scanBatchBlocks
		for i := 0; i*format.BlockSize+format.ChunkHeaderLength <= n; i++ {
			off := i * format.BlockSize
			h, err := format.ParseChunkHeader(chunk[off : off+format.ChunkHeaderLength])
			if err != nil {
				continue
			}
			c, err := readChunk(r, block+uint64(i), h, codec)
			if err != nil {
				return rep, err
			}
			c.Current = found && c.ID == current.LastChunkID && c.Block == current.LastChunkStart
			rep.Chunks = append(rep.Chunks, c)
			next = c.Block + h.Blocks()
			break
		}
		block = next
	}
	return rep, nil
}

func readChunk(r io.ReaderAt, block uint64, h format.ChunkHeader, codec compress.Type) (Chunk, error) {
	c := Chunk{ChunkHeader: h, Block: block}
	data := make([]byte, h.Length)
	n, err := r.ReadAt(data, int64(block)*format.BlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Wrapf(err, "read chunk %d", h.ID)
	}
	data = data[:n]
	c.BodyOK = format.VerifyChunkBody(h, data) == nil

	for off := uint32(format.ChunkHeaderLength); int(off)+4 <= len(data); {
		length := binary.LittleEndian.Uint32(data[off:])
		if length < 8 || int(off)+int(length) > len(data) {
			c.Pages = append(c.Pages, Page{Offset: off, Length: length, Error: "bad page length"})
			break
		}
		c.Pages = append(c.Pages, readPage(h.ID, off, data[off:off+length], codec))
		off += length
	}
	return c, nil
}

func readPage(chunkID, off uint32, data []byte, codec compress.Type) Page {
	p := Page{Offset: off, Length: uint32(len(data))}

	// The node flag is part of the position, so peek at the type byte first.
	rb := datatype.NewReadBuffer(data)
	rb.Next(6)
	rb.Uvarint()
	typ := rb.Byte()
	if err := rb.Err(); err != nil {
		p.Error = err.Error()
		return p
	}
	pos := format.PagePos(chunkID, off, len(data), typ&format.PageTypeNode != 0)
	h, err := format.ParsePageHeader(pos, data)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	p.MapID = h.MapID
	p.Node = h.IsNode()
	p.Spatial = h.Type&format.PageTypeSpatial != 0
	p.Compressed = h.IsCompressed()
	p.Keys = h.KeyCount
	p.Children = h.Children

	if h.MapID == 0 && !p.Node {
		entries, err := metaEntries(h, codec)
		if err != nil {
			p.Error = err.Error()
		}
		p.Entries = entries
	}
	return p
}

// metaEntries decodes a leaf of the meta map, whose keys and values are
// strings.
func metaEntries(h format.PageHeader, codec compress.Type) ([][2]string, error) {
	payload := datatype.NewReadBuffer(h.Payload)
	if h.IsCompressed() {
		size := int(payload.Uvarint())
		plain, err := compress.Decompress(codec, h.Payload[payload.Pos():], size)
		if err != nil {
			return nil, err
		}
		payload = datatype.NewReadBuffer(plain)
	}
	keys := make([]string, h.KeyCount)
	for i := range keys {
		keys[i] = datatype.String.Read(payload)
	}
	entries := make([][2]string, h.KeyCount)
	for i := range entries {
		entries[i] = [2]string{keys[i], datatype.String.Read(payload)}
	}
	return entries, payload.Err()
}

// Options controls the detail of Write.
type Options struct {
	// Pages lists every page record of each chunk.
	Pages bool
	// Meta prints the entries of meta map leaves.
	Meta bool
}

// Write prints the report.
func (rep *Report) Write(w io.Writer, opts Options) error {
	pw := &printer{w: w}
	pw.printf("file length %s (%d bytes)\n", humanize.IBytes(uint64(rep.Size)), rep.Size)
	for _, h := range rep.Headers {
		if !h.Valid {
			pw.printf("header %d: invalid: %s\n", h.Block, h.Error)
			continue
		}
		pw.printf("header %d: format %d version %d last chunk %d at block %d compression %s created %s\n",
			h.Block, h.FormatVersion, h.Version, h.LastChunkID, h.LastChunkStart,
			compress.Type(h.Compression), h.Created.UTC().Format("2006-01-02T15:04:05Z"))
	}

	var pages, bytes int
	for _, c := range rep.Chunks {
		pages += len(c.Pages)
		bytes += int(c.Length)
		marker := ""
		if c.Current {
			marker = " (current)"
		}
		if !c.BodyOK {
			marker += " BODY CHECKSUM MISMATCH"
		}
		pw.printf("chunk %d at block %d length %s pages %d live %d version %d meta root %x%s\n",
			c.ID, c.Block, humanize.IBytes(uint64(c.Length)), c.PageCount, c.LiveCount,
			c.Version, c.MetaRootPos, marker)
		if !opts.Pages && !opts.Meta {
			continue
		}
		for _, p := range c.Pages {
			if p.Error != "" {
				pw.printf("    page at %d: %s\n", p.Offset, p.Error)
				continue
			}
			if opts.Pages {
				pw.printf("    %s\n", p)
			}
			if opts.Meta {
				for _, e := range p.Entries {
					pw.printf("        %s = %s\n", e[0], e[1])
				}
			}
		}
	}
	pw.printf("%d chunks, %d pages, %s in chunks\n", len(rep.Chunks), pages, humanize.IBytes(uint64(bytes)))
	return pw.err
}

func (p Page) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "map %d at %d length %d ", p.MapID, p.Offset, p.Length)
	switch {
	case p.Node && p.Spatial:
		b.WriteString("spatial node")
	case p.Node:
		b.WriteString("node")
	default:
		b.WriteString("leaf")
	}
	fmt.Fprintf(&b, ", %d keys", p.Keys)
	if p.Compressed {
		b.WriteString(", compressed")
	}
	if len(p.Children) > 0 {
		children := make([]string, len(p.Children))
		for i, c := range p.Children {
			children[i] = fmt.Sprintf("%x", c)
		}
		fmt.Fprintf(&b, ", children [%s]", strings.Join(children, " "))
	}
	return b.String()
}

// CurrentChunk returns the chunk the newest valid header points to.
func (rep *Report) CurrentChunk() (Chunk, bool) {
	i := slices.IndexFunc(rep.Chunks, func(c Chunk) bool { return c.Current })
	if i < 0 {
		return Chunk{}, false
	}
	return rep.Chunks[i], true
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(f string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, f, args...)
}

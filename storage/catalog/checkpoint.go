package catalog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
)

var (
	fullCkpMagic  = [4]byte{'Q', 'C', 'K', 'F'}
	deltaCkpMagic = [4]byte{'Q', 'C', 'K', 'D'}
)

// FullCheckpointInfo locates a full catalog checkpoint on disk.
type FullCheckpointInfo struct {
	Path        string
	MaxCommitTs uint64
}

// DeltaCheckpointInfo locates a delta catalog checkpoint on disk.
type DeltaCheckpointInfo struct {
	Path        string
	MaxCommitTs uint64
}

type tableImage struct {
	Name          string `json:"name"`
	Segments      []byte `json:"segments"` // serialized roaring bitmap
	MemIndexBytes int64  `json:"mem_index_bytes"`
}

type databaseImage struct {
	Name     string       `json:"name"`
	Comment  string       `json:"comment,omitempty"`
	CreateTs uint64       `json:"create_ts"`
	Tables   []tableImage `json:"tables"`
}

type checkpointImage struct {
	Version     int             `json:"version"`
	MaxCommitTs uint64          `json:"max_commit_ts"`
	Databases   []databaseImage `json:"databases"`
	// DirtySegments is only present in delta checkpoints.
	DirtySegments []byte `json:"dirty_segments,omitempty"`
}

func (c *Catalog) image() checkpointImage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img := checkpointImage{Version: 1, MaxCommitTs: c.maxCommitTs.Load()}
	for _, db := range c.databases {
		dbImg := databaseImage{Name: db.Name, Comment: db.Comment, CreateTs: db.CreateTs}
		for _, t := range db.Tables() {
			segs, _ := t.Segments.ToBytes()
			dbImg.Tables = append(dbImg.Tables, tableImage{
				Name:          t.Name,
				Segments:      segs,
				MemIndexBytes: t.MemIndexBytes(),
			})
		}
		img.Databases = append(img.Databases, dbImg)
	}
	return img
}

// encodeCheckpoint frames a checkpoint image: magic, lz4 block of the JSON
// body, and an xxhash64 trailer over the compressed block.
func encodeCheckpoint(magic [4]byte, img checkpointImage) ([]byte, error) {
	body, err := json.Marshal(img)
	if err != nil {
		return nil, err
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(body)))
	var comp lz4.Compressor
	n, err := comp.CompressBlock(body, compressed)
	if err != nil {
		return nil, fmt.Errorf("catalog: compress checkpoint: %w", err)
	}
	if n == 0 || n >= len(body) {
		// Incompressible body; store it raw. compLen == rawLen flags this
		// for the decoder.
		compressed = body
	} else {
		compressed = compressed[:n]
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(compressed)))
	buf.Write(lens[:])
	buf.Write(compressed)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(compressed))
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func decodeCheckpoint(magic [4]byte, data []byte) (checkpointImage, error) {
	var img checkpointImage
	if len(data) < 20 {
		return img, fmt.Errorf("catalog: checkpoint truncated (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return img, fmt.Errorf("catalog: bad checkpoint magic %q", data[:4])
	}
	rawLen := binary.LittleEndian.Uint32(data[4:8])
	compLen := binary.LittleEndian.Uint32(data[8:12])
	if int(12+compLen+8) > len(data) {
		return img, fmt.Errorf("catalog: checkpoint truncated body")
	}
	compressed := data[12 : 12+compLen]
	want := binary.LittleEndian.Uint64(data[12+compLen : 12+compLen+8])
	if got := xxhash.Sum64(compressed); got != want {
		return img, fmt.Errorf("catalog: checkpoint checksum mismatch: got %x want %x", got, want)
	}

	var body []byte
	if compLen == rawLen {
		body = compressed
	} else {
		body = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(compressed, body)
		if err != nil {
			return img, fmt.Errorf("catalog: decompress checkpoint: %w", err)
		}
		body = body[:n]
	}
	if err := json.Unmarshal(body, &img); err != nil {
		return img, fmt.Errorf("catalog: decode checkpoint: %w", err)
	}
	return img, nil
}

// SaveFullCheckpoint writes the catalog image to path.
func (c *Catalog) SaveFullCheckpoint(path string) error {
	data, err := encodeCheckpoint(fullCkpMagic, c.image())
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveDeltaCheckpoint writes the catalog image plus the dirty segment set to
// path, clearing the dirty set on success.
func (c *Catalog) SaveDeltaCheckpoint(path string) error {
	img := c.image()
	dirty := c.TakeDirtySegments()
	segs, err := dirty.ToBytes()
	if err != nil {
		return err
	}
	img.DirtySegments = segs

	data, err := encodeCheckpoint(deltaCkpMagic, img)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Catalog) applyImage(img checkpointImage) {
	c.mu.Lock()
	for _, dbImg := range img.Databases {
		db, ok := c.databases[dbImg.Name]
		if !ok {
			db = &Database{
				Name:     dbImg.Name,
				Comment:  dbImg.Comment,
				CreateTs: dbImg.CreateTs,
				tables:   make(map[string]*Table),
			}
			c.databases[dbImg.Name] = db
		}
		db.mu.Lock()
		for _, tImg := range dbImg.Tables {
			t, ok := db.tables[tImg.Name]
			if !ok {
				t = &Table{Name: tImg.Name, Segments: roaring.New()}
				db.tables[tImg.Name] = t
			}
			if len(tImg.Segments) > 0 {
				segs := roaring.New()
				if err := segs.UnmarshalBinary(tImg.Segments); err == nil {
					t.Segments.Or(segs)
				}
			}
			t.memIndexBytes.Store(tImg.MemIndexBytes)
		}
		db.mu.Unlock()
	}
	c.mu.Unlock()
	c.AdvanceCommitTs(img.MaxCommitTs)
}

// LoadFullCheckpoint builds a catalog from a full checkpoint file.
func LoadFullCheckpoint(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := decodeCheckpoint(fullCkpMagic, data)
	if err != nil {
		return nil, err
	}
	c := New()
	c.applyImage(img)
	return c, nil
}

// AttachDeltaCheckpoint overlays a delta checkpoint onto the catalog.
func (c *Catalog) AttachDeltaCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := decodeCheckpoint(deltaCkpMagic, data)
	if err != nil {
		return err
	}
	c.applyImage(img)
	if len(img.DirtySegments) > 0 {
		segs := roaring.New()
		if err := segs.UnmarshalBinary(img.DirtySegments); err == nil {
			c.dirtyMu.Lock()
			c.dirtySegments.Or(segs)
			c.dirtyMu.Unlock()
		}
	}
	return nil
}

// LoadFromFiles builds a catalog from a full checkpoint plus ordered deltas.
func LoadFromFiles(full FullCheckpointInfo, deltas []DeltaCheckpointInfo) (*Catalog, error) {
	c, err := LoadFullCheckpoint(full.Path)
	if err != nil {
		return nil, err
	}
	for _, d := range deltas {
		if err := c.AttachDeltaCheckpoint(d.Path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

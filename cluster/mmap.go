package cluster

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"web/aqmap/feature"
)

// MMapWriter handles writing to memory-mapped files
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], v)
	w.offset += 4
}

func (w *MMapWriter) WriteFloat64(v float64) {
	binary.LittleEndian.PutUint64(w.data[w.offset:], math.Float64bits(v))
	w.offset += 8
}

func (w *MMapWriter) WriteBytes(b []byte) {
	copy(w.data[w.offset:], b)
	w.offset += len(b)
}

// MMapReader handles reading from memory-mapped files. Reads past the end
// set Err instead of panicking.
type MMapReader struct {
	data   mmap.MMap
	offset int
	Err    error
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{data: data}
}

func (r *MMapReader) need(n int) bool {
	if r.Err != nil {
		return false
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.Err = fmt.Errorf("%w: truncated at offset %d", ErrBadSnapshot, r.offset)
		return false
	}
	return true
}

func (r *MMapReader) ReadUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *MMapReader) ReadFloat64() float64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return math.Float64frombits(v)
}

// ReadBytes returns a view into the mapping; copy it to keep it past Unmap.
func (r *MMapReader) ReadBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func encodeFeatures(features []feature.PointFeature) ([][]byte, int64, error) {
	encoded := make([][]byte, len(features))
	var size int64
	for i := range features {
		b, err := json.Marshal(&features[i])
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode feature %s: %w", features[i].ID, err)
		}
		encoded[i] = b
		size += 4 + int64(len(b))
	}
	return encoded, size, nil
}

// SaveMMap writes an uncompressed snapshot through a memory mapping. It is
// larger than SaveCompressed output but loads without decompression.
func (sc *Supercluster) SaveMMap(filename string) error {
	features := sc.Features()
	encoded, payload, err := encodeFeatures(features)
	if err != nil {
		return err
	}
	header := headerFor(sc.Options, len(features))
	size := int64(len(snapshotMagic)) + 4 + int64(binary.Size(header)) + payload

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %w", err)
	}
	defer mmapData.Unmap()

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	writer := NewMMapWriter(mmapData)
	writer.WriteBytes([]byte(snapshotMagic))
	writer.WriteUint32(snapshotVersion)
	writer.WriteBytes(hdr.Bytes())
	for _, b := range encoded {
		writer.WriteUint32(uint32(len(b)))
		writer.WriteBytes(b)
	}

	return mmapData.Flush()
}

// LoadMMapSupercluster reads a snapshot written by SaveMMap and rebuilds the
// index from it.
func LoadMMapSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	mmapData, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap file: %w", err)
	}
	defer mmapData.Unmap()

	reader := NewMMapReader(mmapData)
	if string(reader.ReadBytes(len(snapshotMagic))) != snapshotMagic {
		return nil, ErrBadSnapshot
	}
	if v := reader.ReadUint32(); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", v)
	}

	var header snapshotHeader
	raw := reader.ReadBytes(binary.Size(header))
	if reader.Err != nil {
		return nil, reader.Err
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	features := make([]feature.PointFeature, 0, min(header.Count, maxPrealloc))
	for i := uint32(0); i < header.Count; i++ {
		n := reader.ReadUint32()
		b := reader.ReadBytes(int(n))
		if reader.Err != nil {
			return nil, reader.Err
		}
		var f feature.PointFeature
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("failed to decode feature %d: %w", i, err)
		}
		features = append(features, f)
	}

	sc := NewSupercluster(header.options())
	sc.Load(features)
	return sc, nil
}

// LoadSnapshot loads either snapshot format by its extension.
func LoadSnapshot(info SnapshotInfo) (*Supercluster, error) {
	if info.Format == "mmap" {
		return LoadMMapSupercluster(info.Path)
	}
	return LoadCompressedSupercluster(info.Path)
}

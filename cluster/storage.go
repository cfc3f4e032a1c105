package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"web/aqmap/feature"
)

const (
	snapshotMagic   = "AQSC"
	snapshotVersion = uint32(1)
	snapshotTime    = "20060102-150405"

	// upper bound on the slice capacity taken from a header count
	maxPrealloc = 1 << 16
)

// ErrBadSnapshot is returned for files that are not index snapshots.
var ErrBadSnapshot = errors.New("not a snapshot file")

// SnapshotInfo describes a snapshot file on disk.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	NumPoints int       `json:"numPoints"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
}

// SnapshotFilename builds snapshot-<n>p-<yyyymmdd-hhmmss>-<id>.<ext> in dir.
func SnapshotFilename(dir string, size int, ext string) string {
	timestamp := time.Now().UTC().Format(snapshotTime)
	id := uuid.New().String()[:8]
	return filepath.Join(dir, fmt.Sprintf("snapshot-%dp-%s-%s.%s", size, timestamp, id, ext))
}

func parseSnapshotName(name string) (SnapshotInfo, bool) {
	ext := filepath.Ext(name)
	if ext != ".zst" && ext != ".mmap" {
		return SnapshotInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ext), "-")
	if len(parts) != 5 || parts[0] != "snapshot" {
		return SnapshotInfo{}, false
	}
	numPoints, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil {
		return SnapshotInfo{}, false
	}
	timestamp, err := time.Parse(snapshotTime, parts[2]+"-"+parts[3])
	if err != nil {
		return SnapshotInfo{}, false
	}
	return SnapshotInfo{
		ID:        parts[4],
		Format:    strings.TrimPrefix(ext, "."),
		NumPoints: numPoints,
		Timestamp: timestamp,
	}, true
}

// StatSnapshot describes the snapshot file at path.
func StatSnapshot(path string) (SnapshotInfo, error) {
	info, ok := parseSnapshotName(filepath.Base(path))
	if !ok {
		return SnapshotInfo{}, fmt.Errorf("%s: %w", path, ErrBadSnapshot)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return SnapshotInfo{}, err
	}
	info.Path = path
	info.FileSize = stat.Size()
	return info, nil
}

// ListSnapshots returns the snapshots in dir, newest first. A missing
// directory yields an empty list.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []SnapshotInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	snapshots := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, ok := parseSnapshotName(entry.Name())
		if !ok {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		info.Path = filepath.Join(dir, entry.Name())
		info.FileSize = stat.Size()
		snapshots = append(snapshots, info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// FindSnapshot resolves a snapshot id to its file.
func FindSnapshot(dir, id string) (SnapshotInfo, error) {
	snapshots, err := ListSnapshots(dir)
	if err != nil {
		return SnapshotInfo{}, err
	}
	for _, s := range snapshots {
		if s.ID == id {
			return s, nil
		}
	}
	return SnapshotInfo{}, fmt.Errorf("snapshot %s: %w", id, os.ErrNotExist)
}

type snapshotHeader struct {
	MinZoom   int32
	MaxZoom   int32
	MinPoints int32
	Radius    float64
	Extent    int32
	NodeSize  int32
	Count     uint32
}

func headerFor(opts SuperclusterOptions, count int) snapshotHeader {
	return snapshotHeader{
		MinZoom:   int32(opts.MinZoom),
		MaxZoom:   int32(opts.MaxZoom),
		MinPoints: int32(opts.MinPoints),
		Radius:    opts.Radius,
		Extent:    int32(opts.Extent),
		NodeSize:  int32(opts.NodeSize),
		Count:     uint32(count),
	}
}

func (h snapshotHeader) options() SuperclusterOptions {
	return SuperclusterOptions{
		MinZoom:   int(h.MinZoom),
		MaxZoom:   int(h.MaxZoom),
		MinPoints: int(h.MinPoints),
		Radius:    h.Radius,
		Extent:    int(h.Extent),
		NodeSize:  int(h.NodeSize),
	}
}

// SaveCompressed writes the indexed features and the options to a zstd
// compressed snapshot. The trees are rebuilt on load.
func (sc *Supercluster) SaveCompressed(filename string) error {
	features := sc.Features()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer enc.Close()

	if _, err := enc.Write([]byte(snapshotMagic)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(enc, binary.LittleEndian, snapshotVersion); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(enc, binary.LittleEndian, headerFor(sc.Options, len(features))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	jsonEnc := json.NewEncoder(enc)
	for i := range features {
		if err := jsonEnc.Encode(&features[i]); err != nil {
			return fmt.Errorf("failed to encode feature %s: %w", features[i].ID, err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return file.Close()
}

// LoadCompressedSupercluster reads a snapshot written by SaveCompressed and
// rebuilds the index from it.
func LoadCompressedSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(file, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	return readSnapshot(dec)
}

func readSnapshot(r io.Reader) (*Supercluster, error) {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return nil, ErrBadSnapshot
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	var header snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	features := make([]feature.PointFeature, 0, min(header.Count, maxPrealloc))
	jsonDec := json.NewDecoder(r)
	for i := uint32(0); i < header.Count; i++ {
		var f feature.PointFeature
		if err := jsonDec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode feature %d: %w", i, err)
		}
		features = append(features, f)
	}

	sc := NewSupercluster(header.options())
	sc.Load(features)
	return sc, nil
}

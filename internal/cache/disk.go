package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Disk is a persistent cache of raw synthesized audio, compressed with
// zstd. It sits behind the preload cache: a hit here skips the network but
// still goes through decoding and handle creation. All failures degrade to
// a miss; the disk layer must never break playback.
type Disk struct {
	basePath string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry
	mu    sync.Mutex
}

// diskEntry is one indexed file on disk.
type diskEntry struct {
	Key        string
	FilePath   string
	Size       int64
	LastAccess time.Time
}

// NewDisk creates a disk cache rooted at basePath with the given byte
// capacity.
func NewDisk(basePath string, capacity int64) (*Disk, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	d := &Disk{
		basePath: basePath,
		capacity: capacity,
		encoder:  encoder,
		decoder:  decoder,
		index:    make(map[string]*diskEntry),
	}

	// A corrupt or missing index just means starting cold.
	if err := d.loadIndex(); err != nil {
		d.index = make(map[string]*diskEntry)
	}
	for _, e := range d.index {
		d.size += e.Size
	}
	return d, nil
}

// Get returns the decompressed audio for key, or a miss.
func (d *Disk) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	entry, ok := d.index[key]
	if ok {
		entry.LastAccess = time.Now()
	}
	d.mu.Unlock()
	if !ok {
		return nil, false
	}

	compressed, err := os.ReadFile(entry.FilePath)
	if err != nil {
		d.drop(key)
		return nil, false
	}
	data, err := d.decoder.DecodeAll(compressed, nil)
	if err != nil {
		d.drop(key)
		return nil, false
	}
	return data, true
}

// Put compresses and stores audio under key, evicting least recently used
// entries if the capacity would be exceeded.
func (d *Disk) Put(key string, data []byte) error {
	compressed := d.encoder.EncodeAll(data, nil)
	path := filepath.Join(d.basePath, fileName(key))

	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.size -= old.Size
	}
	d.index[key] = &diskEntry{
		Key:        key,
		FilePath:   path,
		Size:       int64(len(compressed)),
		LastAccess: time.Now(),
	}
	d.size += int64(len(compressed))
	d.evictLocked()
	d.mu.Unlock()

	return d.saveIndex()
}

// Clear removes every cached file and resets the index.
func (d *Disk) Clear() error {
	d.mu.Lock()
	for _, e := range d.index {
		os.Remove(e.FilePath) //nolint:errcheck
	}
	d.index = make(map[string]*diskEntry)
	d.size = 0
	d.mu.Unlock()
	return d.saveIndex()
}

// Size returns the current on-disk size in bytes.
func (d *Disk) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// drop removes a broken entry.
func (d *Disk) drop(key string) {
	d.mu.Lock()
	if e, ok := d.index[key]; ok {
		os.Remove(e.FilePath) //nolint:errcheck
		d.size -= e.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictLocked removes least recently used entries until the cache fits its
// capacity. Must be called with the lock held.
func (d *Disk) evictLocked() {
	if d.capacity <= 0 || d.size <= d.capacity {
		return
	}

	entries := make([]*diskEntry, 0, len(d.index))
	for _, e := range d.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})

	for _, e := range entries {
		if d.size <= d.capacity {
			break
		}
		os.Remove(e.FilePath) //nolint:errcheck
		d.size -= e.Size
		delete(d.index, e.Key)
	}
}

func (d *Disk) indexPath() string {
	return filepath.Join(d.basePath, "index.gob")
}

func (d *Disk) loadIndex() error {
	f, err := os.Open(d.indexPath())
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return gob.NewDecoder(f).Decode(&d.index)
}

func (d *Disk) saveIndex() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Create(d.indexPath())
	if err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return gob.NewEncoder(f).Encode(d.index)
}

// fileName hashes the composite key so arbitrary voice ids and speeds stay
// filesystem-safe.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".mp3.zst"
}

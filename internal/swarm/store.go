package swarm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/WendelHime/goppspp/internal/shared/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrChunkNotFound = errors.New("chunk not found")

const DefaultCacheChunks = 256

type Store interface {
	ReadChunk(id uint32) ([]byte, error)
	WriteChunk(id uint32, data []byte) error
	// Stored lists the chunks already available, e.g. a complete file.
	Stored() models.ChunkSet
	Close() error
}

// FileStore keeps the content in one file at chunk aligned offsets with an
// LRU cache of recently served chunks in front of it.
type FileStore struct {
	file      *os.File
	chunkSize int64
	length    int64
	cache     *lru.Cache[uint32, []byte]
	stored    models.ChunkSet
}

func OpenFileStore(path string, info models.SwarmInfo, cacheChunks int) (*FileStore, error) {
	if info.ChunkSize <= 0 {
		return nil, fmt.Errorf("open store: invalid chunk size %d", info.ChunkSize)
	}
	if cacheChunks <= 0 {
		cacheChunks = DefaultCacheChunks
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint32, []byte](cacheChunks)
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &FileStore{file: file, chunkSize: info.ChunkSize, length: info.Length, cache: cache, stored: models.NewChunkSet()}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Length > 0 && stat.Size() == info.Length {
		if chunks := info.Chunks(); chunks > 0 {
			s.stored.AddRange(0, chunks-1)
		}
	}
	return s, nil
}

func (s *FileStore) Stored() models.ChunkSet {
	return s.stored.Clone()
}

func (s *FileStore) ReadChunk(id uint32) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}
	offset := int64(id) * s.chunkSize
	if s.length > 0 && offset >= s.length {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, id)
	}
	size := s.chunkSize
	if s.length > 0 && offset+size > s.length {
		size = s.length - offset
	}
	data := make([]byte, size)
	n, err := s.file.ReadAt(data, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, fmt.Errorf("read chunk %d: %w", id, err)
	}
	data = data[:n]
	s.cache.Add(id, data)
	return data, nil
}

func (s *FileStore) WriteChunk(id uint32, data []byte) error {
	offset := int64(id) * s.chunkSize
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk %d: %w", id, err)
	}
	s.cache.Add(id, data)
	s.stored.Add(id)
	return nil
}

func (s *FileStore) Close() error {
	s.cache.Purge()
	return s.file.Close()
}

// MemStore keeps chunks in memory.
type MemStore struct {
	mu     sync.Mutex
	chunks map[uint32][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{chunks: make(map[uint32][]byte)}
}

func (s *MemStore) ReadChunk(id uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, id)
	}
	return data, nil
}

func (s *MemStore) WriteChunk(id uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Stored() models.ChunkSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.NewChunkSet()
	for id := range s.chunks {
		out.Add(id)
	}
	return out
}

func (s *MemStore) Close() error {
	return nil
}

// Package store implements the append-only, page-aligned node file that
// backs a tree: reading and writing DiskNode records, the reserved
// metadata page, and an in-memory node cache.
package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dapperlabs/mstree/digest"
	"github.com/dapperlabs/mstree/encoding"
	mstreeerrors "github.com/dapperlabs/mstree/errors"
	"github.com/dapperlabs/mstree/node"
)

// PageSize is the unit of alignment for node records.
const PageSize = 4096

// MetadataSize is the byte length Metadata actually occupies within the
// reserved first page: an 8-byte little-endian root offset followed by a
// 32-byte root digest. The rest of the page, up to PageSize, is reserved
// padding so the node region always starts at a page boundary.
const MetadataSize = 8 + digest.Size

const lengthPrefixSize = 4

// Metadata is the small record kept in the file's first page: where the
// current root lives and what it hashes to. A RootOffset of 0 means "no
// committed root" — the node region never starts before PageSize, so 0 can
// never be a real node offset.
type Metadata struct {
	Present    bool
	RootOffset uint64
	RootHash   digest.Digest
}

type cache[K any, V any] interface {
	get(offset uint64) (*node.Node[K, V], bool)
	put(offset uint64, n *node.Node[K, V])
}

// unboundedCache is the default: every loaded node stays cached for the
// store's lifetime.
type unboundedCache[K any, V any] struct {
	mu sync.RWMutex
	m  map[uint64]*node.Node[K, V]
}

func newUnboundedCache[K any, V any]() *unboundedCache[K, V] {
	return &unboundedCache[K, V]{m: make(map[uint64]*node.Node[K, V])}
}

func (c *unboundedCache[K, V]) get(offset uint64) (*node.Node[K, V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.m[offset]
	return n, ok
}

func (c *unboundedCache[K, V]) put(offset uint64, n *node.Node[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[offset] = n
}

// boundedCache wraps hashicorp/golang-lru/v2, opted into via
// WithCacheCapacity when a caller wants to bound memory instead of
// following the spec's unbounded default.
type boundedCache[K any, V any] struct {
	lru *lru.Cache[uint64, *node.Node[K, V]]
}

func newBoundedCache[K any, V any](capacity int) *boundedCache[K, V] {
	c, err := lru.New[uint64, *node.Node[K, V]](capacity)
	if err != nil {
		// Only returned for capacity <= 0, which WithCacheCapacity rejects
		// before this is ever called.
		mstreeerrors.InvariantViolated("lru.New failed: %v", err)
	}
	return &boundedCache[K, V]{lru: c}
}

func (c *boundedCache[K, V]) get(offset uint64) (*node.Node[K, V], bool) {
	return c.lru.Get(offset)
}

func (c *boundedCache[K, V]) put(offset uint64, n *node.Node[K, V]) {
	c.lru.Add(offset, n)
}

// Store is the append-only node file: a reserved metadata page followed by
// a sequence of length-prefixed, page-aware DiskNode records.
type Store[K any, V any] struct {
	codec node.Codec[K, V]
	log   zerolog.Logger

	mu     sync.RWMutex
	file   *os.File
	writer *bufio.Writer
	size   uint64

	cache cache[K, V]
}

// Option configures a Store at construction time.
type Option[K any, V any] func(*Store[K, V])

// WithCacheCapacity bounds the node cache to capacity entries using an LRU
// policy instead of the unbounded default.
func WithCacheCapacity[K any, V any](capacity int) Option[K, V] {
	return func(s *Store[K, V]) {
		if capacity <= 0 {
			mstreeerrors.InvariantViolated("store: cache capacity must be positive, got %d", capacity)
		}
		s.cache = newBoundedCache[K, V](capacity)
	}
}

// WithLogger attaches a zerolog logger; the default is zerolog.Nop().
func WithLogger[K any, V any](log zerolog.Logger) Option[K, V] {
	return func(s *Store[K, V]) {
		s.log = log
	}
}

// Open opens or creates the file at path as a Store, writing a fresh
// empty metadata page if the file is new.
func Open[K any, V any](path string, codec node.Codec[K, V], opts ...Option[K, V]) (*Store[K, V], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "open store file")
	}
	return newStore(f, codec, opts...)
}

// NewTemporary opens a Store backed by a private unlinked temp file, for
// scratch stores that never need to survive the process.
func NewTemporary[K any, V any](codec node.Codec[K, V], opts ...Option[K, V]) (*Store[K, V], error) {
	f, err := os.CreateTemp("", "mstree-*.tmp")
	if err != nil {
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "create temporary store file")
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "unlink temporary store file")
	}
	return newStore(f, codec, opts...)
}

func newStore[K any, V any](f *os.File, codec node.Codec[K, V], opts ...Option[K, V]) (*Store[K, V], error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "stat store file")
	}

	s := &Store[K, V]{
		codec: codec,
		log:   zerolog.Nop(),
		file:  f,
		size:  uint64(info.Size()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = newUnboundedCache[K, V]()
	}

	if s.size == 0 {
		// The metadata page reserves a full PageSize, not just the bytes
		// Metadata actually uses, so the node region always starts at a
		// page boundary.
		if _, err := f.Write(make([]byte, PageSize)); err != nil {
			f.Close()
			return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "initialize metadata page")
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "seek to end of new store file")
		}
		info, err = f.Stat()
		if err != nil {
			f.Close()
			return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "stat store file after init")
		}
		s.size = uint64(info.Size())
	}

	if _, err := f.Seek(int64(s.size), io.SeekStart); err != nil {
		f.Close()
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "seek to append position")
	}
	s.writer = bufio.NewWriter(f)

	s.log.Debug().Uint64("size", s.size).Msg("store opened")
	return s, nil
}

// Close flushes buffered writes and closes the underlying file.
func (s *Store[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "flush store on close")
	}
	return s.file.Close()
}

// ReadMetadata reads the reserved metadata page.
func (s *Store[K, V]) ReadMetadata() (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, MetadataSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return Metadata{}, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "read metadata page")
	}
	rootOffset := binary.LittleEndian.Uint64(buf[:8])
	if rootOffset == 0 {
		return Metadata{}, nil
	}
	return Metadata{
		Present:    true,
		RootOffset: rootOffset,
		RootHash:   digest.FromBytes(buf[8 : 8+digest.Size]),
	}, nil
}

// WriteMetadata overwrites the reserved metadata page in place. Callers
// must Sync before and after, per the tree facade's two-phase commit.
func (s *Store[K, V]) WriteMetadata(m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "flush before writing metadata")
	}

	buf := make([]byte, MetadataSize)
	if m.Present {
		binary.LittleEndian.PutUint64(buf[:8], m.RootOffset)
		copy(buf[8:8+digest.Size], m.RootHash[:])
	}

	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "write metadata page")
	}
	return nil
}

// Sync flushes buffered writes and fsyncs the file, the durability
// boundary the tree facade's commit protocol straddles on either side of
// the metadata write.
func (s *Store[K, V]) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "flush before sync")
	}
	if err := s.file.Sync(); err != nil {
		return mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "fsync store file")
	}
	return nil
}

// WriteNode appends n (which must have only Disk children) as a new
// record and returns the offset it was written at. If the record would
// straddle a page boundary and fits within a single page on its own, the
// writer pads with zeros up to the next boundary first, so a reader never
// has to special-case a record split across two pages.
func (s *Store[K, V]) WriteNode(n *node.Node[K, V]) (uint64, error) {
	payload, err := encoding.Marshal(encoding.FromNode(s.codec, n))
	if err != nil {
		return 0, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "marshal node record")
	}
	total := uint64(lengthPrefixSize + len(payload))

	s.mu.Lock()
	defer s.mu.Unlock()

	offsetInPage := s.size % PageSize
	spaceLeft := PageSize - offsetInPage
	if total > spaceLeft && total <= PageSize {
		pad := make([]byte, spaceLeft)
		if _, err := s.writer.Write(pad); err != nil {
			return 0, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "write page padding")
		}
		s.size += spaceLeft
	}

	offset := s.size

	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := s.writer.Write(lenBuf[:]); err != nil {
		return 0, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "write record length prefix")
	}
	if _, err := s.writer.Write(payload); err != nil {
		return 0, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "write record payload")
	}
	s.size += total

	s.cache.put(offset, n)
	return offset, nil
}

// Load implements node.Loader: offset 0 (never a real record) resolves to
// an empty node; any other offset is served from cache, or its record is
// read and decoded (after flushing buffered writes, so a record written
// but not yet flushed can be read back) and cached on the way out.
func (s *Store[K, V]) Load(offset uint64) (*node.Node[K, V], error) {
	if offset == 0 {
		return node.Empty[K, V](0), nil
	}
	if n, ok := s.cache.get(offset); ok {
		return n, nil
	}

	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "flush before reading record")
	}
	var lenBuf [lengthPrefixSize]byte
	_, err := s.file.ReadAt(lenBuf[:], int64(offset))
	if err != nil {
		s.mu.Unlock()
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "read record length prefix")
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, payloadLen)
	_, err = s.file.ReadAt(payload, int64(offset)+lengthPrefixSize)
	s.mu.Unlock()
	if err != nil {
		return nil, mstreeerrors.Wrap(mstreeerrors.IoFailure, err, "read record payload")
	}

	disk, err := encoding.Unmarshal(payload)
	if err != nil {
		return nil, mstreeerrors.Wrap(mstreeerrors.CorruptData, err, "decode node record")
	}
	n, err := encoding.ToNode(s.codec, disk)
	if err != nil {
		return nil, mstreeerrors.Wrap(mstreeerrors.CorruptData, err, "reconstruct node from record")
	}

	s.cache.put(offset, n)
	return n, nil
}

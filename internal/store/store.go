// Package store owns the on-disk layout of a torrent's content. It maps
// (piece, offset) ranges onto the declared files, performs scatter-gather
// reads and writes across file boundaries, and verifies pieces against their
// expected hashes for resume.
package store

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/devksingh/gorabbit/internal/bitfield"
	"github.com/devksingh/gorabbit/internal/meta"
	"github.com/devksingh/gorabbit/internal/piece"
)

// ErrNotYetPresent is returned by ReadBlock for a range whose piece has not
// been written or verified. Pre-allocated files read back zeros there, and
// serving zeros to a peer as content would be silent corruption.
var ErrNotYetPresent = errors.New("store: block not yet present")

var ErrBadBlockRange = errors.New("store: block range outside piece bounds")

// ErrWriteFailed marks a write that failed twice. Unlike peer and piece
// errors it is not locally recoverable; callers abort on it.
var ErrWriteFailed = errors.New("store: write failed")

// Store is the FileStore: the single owner of the torrent's data files. All
// disk access goes through it.
type Store struct {
	log *slog.Logger

	files       []*datafile
	pieceHashes [][sha1.Size]byte
	pieceLen    int64
	totalSize   int64

	haveMu sync.RWMutex
	have   bitfield.Bitfield
}

type datafile struct {
	mu     sync.Mutex
	f      *os.File
	offset int64
	length int64
	path   string
}

// NewStore opens (creating if needed) every file the metainfo declares,
// pre-allocated to its full length, beneath downloadDir. Multi-file torrents
// nest under <downloadDir>/<name>/; a single-file torrent is written directly
// at <downloadDir>/<name>.
func NewStore(metainfo *meta.Metainfo, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store")

	files, err := setupFiles(metainfo, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("setup files: %w", err)
	}

	return &Store{
		log:         log,
		files:       files,
		pieceHashes: metainfo.Info.Pieces,
		pieceLen:    metainfo.Info.PieceLength,
		totalSize:   metainfo.Size(),
		have:        bitfield.New(metainfo.NumPieces()),
	}, nil
}

// Close closes every underlying file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, file := range s.files {
		file.mu.Lock()
		err := file.f.Close()
		file.mu.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Paths returns the absolute paths of the data files, in declared order.
func (s *Store) Paths() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.path
	}
	return out
}

// WritePiece writes a fully reassembled, hash-verified piece through to disk.
// A failed write is retried once; a second failure is surfaced to the caller,
// who treats it as fatal.
func (s *Store) WritePiece(index int, data []byte) error {
	if err := s.writeRange(index, 0, data); err != nil {
		s.log.Warn("piece write failed, retrying once", "piece", index, "error", err.Error())

		if err := s.writeRange(index, 0, data); err != nil {
			return fmt.Errorf("%w: piece %d failed twice: %v", ErrWriteFailed, index, err)
		}
	}

	s.haveMu.Lock()
	s.have.Set(index)
	s.haveMu.Unlock()

	return nil
}

// ReadBlock reads one block of a piece back out, for serving an upload
// request. It returns ErrNotYetPresent unless the piece has been written or
// verified through this store.
func (s *Store) ReadBlock(index int, offset, length int64) ([]byte, error) {
	pieceLen, ok := piece.PieceLengthAt(index, s.totalSize, s.pieceLen)
	if !ok {
		return nil, ErrBadBlockRange
	}
	if offset < 0 || length <= 0 || offset+length > pieceLen {
		return nil, ErrBadBlockRange
	}

	s.haveMu.RLock()
	present := s.have.Has(index)
	s.haveMu.RUnlock()
	if !present {
		return nil, ErrNotYetPresent
	}

	buf := make([]byte, length)
	if err := s.readRange(index, offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// VerifyPiece reads piece index off disk, hashes it, and reports whether it
// matches the expected hash. On a match the piece is marked present so it can
// be served to peers. It must only be called when every file the piece spans
// exists at the required length, which NewStore's pre-allocation guarantees.
func (s *Store) VerifyPiece(index int, expectedHash [sha1.Size]byte, length int64) (bool, error) {
	buf := make([]byte, length)
	if err := s.readRange(index, 0, buf); err != nil {
		return false, err
	}

	if sha1.Sum(buf) != expectedHash {
		return false, nil
	}

	s.haveMu.Lock()
	s.have.Set(index)
	s.haveMu.Unlock()

	return true, nil
}

// MarkPresent records that piece index is already on disk without re-reading
// it, for the progress-file resume fast path.
func (s *Store) MarkPresent(index int) {
	s.haveMu.Lock()
	s.have.Set(index)
	s.haveMu.Unlock()
}

func (s *Store) writeRange(index int, offset int64, data []byte) error {
	absStart := int64(index)*s.pieceLen + offset
	absEnd := absStart + int64(len(data))

	for _, file := range s.files {
		fileAbsStart := file.offset
		fileAbsEnd := fileAbsStart + file.length

		overlapStart := max(absStart, fileAbsStart)
		overlapEnd := min(absEnd, fileAbsEnd)

		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - absStart

		file.mu.Lock()
		n, err := file.f.WriteAt(
			data[offsetInData:offsetInData+writeLen],
			offsetInFile,
		)
		file.mu.Unlock()

		if err != nil {
			return fmt.Errorf("file write error for %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf(
				"incomplete write to file %s: wrote %d, expected %d",
				file.path,
				n,
				writeLen,
			)
		}
	}

	return nil
}

func (s *Store) readRange(index int, offset int64, data []byte) error {
	absStart := int64(index)*s.pieceLen + offset
	absEnd := absStart + int64(len(data))

	for _, file := range s.files {
		fileAbsStart := file.offset
		fileAbsEnd := file.offset + file.length

		overlapStart := max(absStart, fileAbsStart)
		overlapEnd := min(absEnd, fileAbsEnd)

		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileAbsStart
		offsetInData := overlapStart - absStart

		file.mu.Lock()
		n, err := file.f.ReadAt(data[offsetInData:offsetInData+readLen], offsetInFile)
		file.mu.Unlock()

		if err != nil {
			return fmt.Errorf("file read error for %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf(
				"incomplete read from file %s: read %d, expected %d",
				file.path,
				n,
				readLen,
			)
		}
	}

	return nil
}

func setupFiles(metainfo *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		currentOffset int64
		datafiles     []*datafile
	)

	if metainfo.Info.Length > 0 {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		mapping, err := createFileMapping(fp, metainfo.Info.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		return datafiles, nil
	}

	for _, file := range metainfo.Info.Files {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}

		mapping, err := createFileMapping(fp, file.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		currentOffset += file.Length
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	// Sparse pre-allocation: the file reports its full declared length but
	// the OS only materializes blocks as they are written.
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}

package cursor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Position is the high-water mark of one mailbox folder: the last message
// UID that was handed off, valid only while the folder's UIDVALIDITY is
// unchanged.
type Position struct {
	Validity uint32
	UID      uint32
}

// IsZero reports whether nothing has been recorded yet.
func (p Position) IsZero() bool {
	return p.Validity == 0 && p.UID == 0
}

// Store persists a Position across restarts.
type Store interface {
	Load() (Position, error)
	Save(Position) error
}

// File keeps the position in a small text file so it survives restarts.
type File struct {
	mu   sync.Mutex
	pos  Position
	path string
}

// NewFile loads (or creates) a cursor backed by filePath.
func NewFile(filePath string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}

	f := &File{path: filePath}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read cursor file: %w", err)
	}

	pos, err := parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse cursor file %s: %w", filePath, err)
	}
	f.pos = pos
	return f, nil
}

// Load returns the last saved position.
func (f *File) Load() (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

// Save records pos, replacing the file atomically.
func (f *File) Save(pos Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos == f.pos {
		return nil
	}

	tmp := f.path + ".tmp"
	line := fmt.Sprintf("%d %d\n", pos.Validity, pos.UID)
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}
	f.pos = pos
	return nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func parse(s string) (Position, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Position{}, nil
	}
	if len(fields) != 2 {
		return Position{}, fmt.Errorf("expected \"<validity> <uid>\", got %q", strings.TrimSpace(s))
	}
	validity, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("validity: %w", err)
	}
	uid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("uid: %w", err)
	}
	return Position{Validity: uint32(validity), UID: uint32(uid)}, nil
}

// Memory is a Store that does not persist.
type Memory struct {
	mu  sync.Mutex
	pos Position
}

func (m *Memory) Load() (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func (m *Memory) Save(pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
	return nil
}

var (
	_ Store = (*File)(nil)
	_ Store = (*Memory)(nil)
)

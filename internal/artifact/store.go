package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

const indexFile = ".revisions.json"

// Store is a filesystem-backed artifact store for one run.
//
// Overwrite commits go through a temp file and rename so a concurrent Get
// sees either the old revision or the new one in full. Appends hold a
// per-key lock and issue a single O_APPEND write.
type Store struct {
	dir    string
	logger *logging.Logger

	mu          sync.Mutex
	index       map[Name]*Info
	appendLocks map[Name]*sync.Mutex
}

// New opens (or creates) a store rooted at dir.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating artifact directory %s: %w", dir, err)
	}

	s := &Store{
		dir:         dir,
		logger:      logger.Named("artifact"),
		index:       make(map[Name]*Info),
		appendLocks: make(map[Name]*sync.Mutex),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put commits content under name. Overwrite replaces the document
// atomically; Append adds a section after all prior sections. The new
// revision number is returned.
//
// Content is validated against the artifact's schema before commit so a
// producer fails at write time rather than poisoning a later phase.
func (s *Store) Put(ctx context.Context, name Name, content string, mode WriteMode) (int, error) {
	return s.put(ctx, name, content, mode, "")
}

// PutAs is Put with the producing phase recorded in the revision index.
func (s *Store) PutAs(ctx context.Context, name Name, content string, mode WriteMode, producer string) (int, error) {
	return s.put(ctx, name, content, mode, producer)
}

func (s *Store) put(ctx context.Context, name Name, content string, mode WriteMode, producer string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("artifact name must not be empty")
	}

	switch mode {
	case Overwrite:
		if err := ValidateSchema(name, content); err != nil {
			return 0, err
		}
		if err := s.writeAtomic(name, []byte(content)); err != nil {
			return 0, err
		}
	case Append:
		if err := s.appendSection(name, content); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown write mode %v", mode)
	}

	rev, err := s.bumpRevision(name, producer)
	if err != nil {
		return 0, err
	}

	s.logger.Debug(ctx, "artifact committed",
		zap.String("artifact", string(name)),
		zap.Stringer("mode", mode),
		zap.Int("revision", rev))
	return rev, nil
}

// Get returns the latest committed revision of name.
//
// A schema-invalid document fails fast with a SchemaError instead of
// handing malformed content to the caller.
func (s *Store) Get(ctx context.Context, name Name) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}

	content := string(data)
	if err := ValidateSchema(name, content); err != nil {
		return "", err
	}
	return content, nil
}

// Exists reports whether name has a committed, schema-valid, non-empty
// revision. This is the phase-entry artifact check.
func (s *Store) Exists(ctx context.Context, name Name) bool {
	content, err := s.Get(ctx, name)
	return err == nil && len(content) > 0
}

// Revision returns the committed revision counter for name.
func (s *Store) Revision(name Name) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return info.Revision, true
}

// List returns revision info for all committed artifacts, sorted by name.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.index))
	for _, info := range s.index {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Snapshot copies every committed artifact into dst. Used to seed the
// isolated workspace with the run's current document set.
func (s *Store) Snapshot(dst string) error {
	if err := os.MkdirAll(dst, 0700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	for _, info := range s.List() {
		data, err := os.ReadFile(s.path(info.Name))
		if err != nil {
			return fmt.Errorf("reading %s for snapshot: %w", info.Name, err)
		}
		if err := os.WriteFile(filepath.Join(dst, string(info.Name)), data, 0600); err != nil {
			return fmt.Errorf("writing snapshot of %s: %w", info.Name, err)
		}
	}
	return nil
}

// writeAtomic commits content via temp file + rename in the same directory.
func (s *Store) writeAtomic(name Name, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+string(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing %s: %w", name, err)
	}
	return nil
}

// appendSection serializes concurrent appends per key and issues one
// O_APPEND write per section, so parallel reviewers never lose each
// other's sections.
func (s *Store) appendSection(name Name, section string) error {
	s.mu.Lock()
	lock, ok := s.appendLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.appendLocks[name] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", name, err)
	}
	defer f.Close()

	if len(section) == 0 || section[len(section)-1] != '\n' {
		section += "\n"
	}
	if _, err := f.WriteString(section); err != nil {
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return f.Sync()
}

func (s *Store) bumpRevision(name Name, producer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.index[name]
	if !ok {
		info = &Info{Name: name}
		s.index[name] = info
	}
	info.Revision++
	info.UpdatedAt = time.Now().UTC()
	if producer != "" {
		info.Producer = producer
	}

	if err := s.saveIndexLocked(); err != nil {
		return 0, err
	}
	return info.Revision, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading revision index: %w", err)
	}
	var infos []Info
	if err := json.Unmarshal(data, &infos); err != nil {
		return fmt.Errorf("parsing revision index: %w", err)
	}
	for i := range infos {
		info := infos[i]
		s.index[info.Name] = &info
	}
	return nil
}

// saveIndexLocked persists the revision index. Callers hold s.mu.
func (s *Store) saveIndexLocked() error {
	infos := make([]Info, 0, len(s.index))
	for _, info := range s.index {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding revision index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, indexFile), data, 0600); err != nil {
		return fmt.Errorf("writing revision index: %w", err)
	}
	return nil
}

func (s *Store) path(name Name) string {
	return filepath.Join(s.dir, string(name))
}

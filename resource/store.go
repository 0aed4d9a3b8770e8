package resource

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/parser"
)

// healthCacheTTL bounds repeated hashing of the same file.
const healthCacheTTL = 5 * time.Minute

// Store is the content-addressed layout under the resource root:
// root/{images|videos|audios|files}/<key>_<sanitizedName>.
type Store struct {
	root string

	mu     sync.Mutex
	health map[string]healthEntry
}

type healthEntry struct {
	healthy bool
	at      time.Time
}

// NewStore creates the store and its four type directories.
func NewStore(root string) (*Store, error) {
	for _, sub := range []string{"images", "videos", "audios", "files"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create resource dir %s", sub)
		}
	}
	return &Store{root: root, health: make(map[string]healthEntry)}, nil
}

// Root returns the resource root directory.
func (s *Store) Root() string { return s.root }

// TypeDir maps a resource type to its subdirectory name.
func TypeDir(t parser.ResourceType) string {
	return string(t) + "s"
}

// PathFor computes the canonical local path for a resource.
func (s *Store) PathFor(info *Info) string {
	name := info.Key() + "_" + SanitizeFileName(info.FileName)
	return filepath.Join(s.root, TypeDir(info.Type), name)
}

// Healthy reports whether the file behind info passes the integrity check:
// exists, non-empty, matches the known size, matches the known md5. The
// verdict is cached per key for five minutes.
func (s *Store) Healthy(info *Info) bool {
	key := info.Key()
	s.mu.Lock()
	if e, ok := s.health[key]; ok && time.Since(e.at) < healthCacheTTL {
		s.mu.Unlock()
		return e.healthy
	}
	s.mu.Unlock()

	healthy := s.verify(info)
	s.mu.Lock()
	s.health[key] = healthEntry{healthy: healthy, at: time.Now()}
	s.mu.Unlock()
	return healthy
}

// Invalidate drops the cached health verdict for a key.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.health, key)
	s.mu.Unlock()
}

func (s *Store) verify(info *Info) bool {
	path := info.LocalPath
	if path == "" {
		path = s.PathFor(info)
	}
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		return false
	}
	if info.FileSize > 0 && st.Size() != info.FileSize {
		return false
	}
	if info.Md5 != "" {
		sum, err := FileMD5(path)
		if err != nil || sum != info.Md5 {
			return false
		}
	}
	return true
}

// FileMD5 returns the lowercase hex md5 of a file's contents.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for hashing")
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyInto copies src into the canonical location for info.
func (s *Store) CopyInto(info *Info, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "open source file")
	}
	defer in.Close()

	dst := s.PathFor(info)
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", errors.Wrap(err, "copy resource")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "flush destination")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "finalize destination")
	}
	s.Invalidate(info.Key())
	return dst, nil
}

// Sweep removes stored files whose modification time is older than maxAge
// and whose key is not in keep. Returns the number of files removed.
func (s *Store) Sweep(maxAge time.Duration, keep map[string]struct{}) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, sub := range []string{"images", "videos", "audios", "files"} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, errors.Wrapf(err, "read %s", sub)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			key := keyOfStoredName(e.Name())
			if _, referenced := keep[key]; referenced {
				continue
			}
			st, err := e.Info()
			if err != nil || st.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				s.Invalidate(key)
				removed++
			}
		}
	}
	return removed, nil
}

// keyOfStoredName strips the sanitized file name suffix from a stored name.
func keyOfStoredName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			return name[:i]
		}
	}
	return name
}

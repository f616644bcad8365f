// Package artifact implements the ArtifactStore: it materializes
// user-supplied binary bytes under a per-process directory with
// owner-read/owner-execute permissions and mints the opaque code token
// that names them for the rest of the daemon.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Artifact is a single materialized binary: its code token, its
// absolute path on the host filesystem, and the byte count that was
// written, kept only for logging.
type Artifact struct {
	CodeToken string
	Path      string
	Size      int64
}

// Store writes uploaded binaries under baseDir, one subdirectory per
// artifact, and tracks which code tokens are still referenced by a
// pool. It is append-only within a process lifetime: code tokens are
// never reused and an artifact's file is never rewritten once stored.
type Store struct {
	baseDir string
	log     *zap.Logger

	mu        sync.Mutex
	artifacts map[string]*Artifact // code_token -> artifact
	byHash    map[string]string    // sha256 hex -> code_token, for dedup

	dedup singleflight.Group
}

// New creates a Store rooted at baseDir. baseDir is created if it does
// not already exist.
func New(baseDir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create base dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		baseDir:   baseDir,
		log:       log,
		artifacts: make(map[string]*Artifact),
		byHash:    make(map[string]string),
	}, nil
}

// Store writes bytes under a unique filename inside the store's
// directory and sets owner-read/owner-execute permissions on it,
// returning the minted code token. Concurrent Store calls for
// identical bytes are collapsed via singleflight into one write and
// one minted token, keyed on a SHA-256 of the bytes — this is what
// lets concurrent PublicAPI.LoadBinary calls for the same artifact
// share one on-disk file.
func (s *Store) Store(data []byte) (*Artifact, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	v, err, _ := s.dedup.Do(hash, func() (interface{}, error) {
		s.mu.Lock()
		if token, ok := s.byHash[hash]; ok {
			a := s.artifacts[token]
			s.mu.Unlock()
			return a, nil
		}
		s.mu.Unlock()

		return s.writeArtifact(hash, data)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

func (s *Store) writeArtifact(hash string, data []byte) (*Artifact, error) {
	token := uuid.NewString()
	dir := filepath.Join(s.baseDir, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "binary")
	if err := os.WriteFile(path, data, 0o500); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("artifact: write %s: %w", path, err)
	}
	// os.WriteFile's mode is subject to umask; pin the exact bits the
	// wire format promises (owner read+execute only).
	if err := os.Chmod(path, 0o500); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("artifact: chmod %s: %w", path, err)
	}

	a := &Artifact{CodeToken: token, Path: path, Size: int64(len(data))}

	s.mu.Lock()
	s.artifacts[token] = a
	s.byHash[hash] = token
	s.mu.Unlock()

	s.log.Info("artifact stored",
		zap.String("code_token", token),
		zap.String("path", path),
		zap.String("size", units.HumanSize(float64(len(data)))),
	)
	return a, nil
}

// Get returns the artifact for a code token, or false if it is
// unknown or has already been forgotten.
func (s *Store) Get(codeToken string) (*Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[codeToken]
	return a, ok
}

// Forget removes the artifact's file and frees its code token. It is
// the caller's responsibility (byob.Service.Delete, which runs
// WorkerPool.Delete first) to ensure no pool
// still references the artifact before calling Forget — invariant #5
// is that the store directory outlives every worker that references
// it, not that Forget itself checks liveness.
func (s *Store) Forget(codeToken string) error {
	s.mu.Lock()
	a, ok := s.artifacts[codeToken]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.artifacts, codeToken)
	for hash, token := range s.byHash {
		if token == codeToken {
			delete(s.byHash, hash)
			break
		}
	}
	s.mu.Unlock()

	dir := filepath.Dir(a.Path)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("artifact: remove %s: %w", dir, err)
	}
	s.log.Info("artifact forgotten", zap.String("code_token", codeToken))
	return nil
}

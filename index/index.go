// Package index tracks the set of files under one user's root directory and
// computes what a peer is missing relative to it.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// CreateOutcome classifies a watcher create event.
type CreateOutcome int

const (
	// CreateIgnored means the event was for a directory or an invalid path.
	CreateIgnored CreateOutcome = iota
	// CreateReceived means the file was written by an inbound transfer.
	CreateReceived
	// CreateCreated means the file is genuinely new locally and should be pushed to peers.
	CreateCreated
)

func (o CreateOutcome) String() string {
	switch o {
	case CreateReceived:
		return "received"
	case CreateCreated:
		return "created"
	default:
		return "ignored"
	}
}

// Options configures an Index.
type Options struct {
	Logger *zap.Logger
	// MaxReceivedEntries caps the received-files set. Zero keeps every entry.
	MaxReceivedEntries int
}

// Index is the local manifest plus the per-peer manifest cache.
type Index struct {
	root   string
	logger *zap.Logger

	mu       sync.RWMutex
	paths    map[string]struct{}
	received *receivedSet

	peersMu       sync.RWMutex
	peerManifests map[string]map[string]struct{}
}

// New returns an empty Index for root, creating the directory if needed.
// Call Rescan to populate it.
func New(root string, options Options) (*Index, error) {
	if root == "" {
		return nil, errors.New("index root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve index root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create index root: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Index{
		root:          abs,
		logger:        logger.With(zap.String("root", abs)),
		paths:         make(map[string]struct{}),
		received:      newReceivedSet(options.MaxReceivedEntries),
		peerManifests: make(map[string]map[string]struct{}),
	}, nil
}

// Root returns the absolute root directory.
func (ix *Index) Root() string {
	return ix.root
}

// Abs returns the absolute on-disk location of a manifest path.
func (ix *Index) Abs(rel string) string {
	return filepath.Join(ix.root, filepath.FromSlash(rel))
}

// Rescan walks the root and replaces the manifest with every regular file
// found. Unreadable entries are skipped. Symlinks are neither followed nor indexed.
func (ix *Index) Rescan() (int, error) {
	found := make(map[string]struct{})
	err := filepath.WalkDir(ix.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == ix.root {
				return walkErr
			}
			ix.logger.Warn("skipping unreadable entry", zap.String("path", p), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := Rel(ix.root, p)
		if err != nil {
			ix.logger.Warn("skipping unsyncable entry", zap.String("path", p), zap.Error(err))
			return nil
		}
		found[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", ix.root, err)
	}

	ix.mu.Lock()
	ix.paths = found
	ix.mu.Unlock()

	ix.logger.Debug("rescan complete", zap.Int("files", len(found)))
	return len(found), nil
}

// HandleCreate applies a watcher create event for rel.
func (ix *Index) HandleCreate(rel string, isDir bool) CreateOutcome {
	if isDir {
		return CreateIgnored
	}
	p, err := Normalize(rel)
	if err != nil {
		ix.logger.Warn("ignoring create for invalid path", zap.String("path", rel), zap.Error(err))
		return CreateIgnored
	}

	ix.mu.Lock()
	ix.paths[p] = struct{}{}
	wasReceived := ix.received.contains(p)
	ix.mu.Unlock()

	if wasReceived {
		ix.logger.Info("received", zap.String("path", p))
		return CreateReceived
	}
	ix.logger.Info("created", zap.String("path", p))
	return CreateCreated
}

// HandleDelete removes rel from the manifest. Deletions are never propagated.
func (ix *Index) HandleDelete(rel string) bool {
	p, err := Normalize(rel)
	if err != nil {
		return false
	}

	ix.mu.Lock()
	_, existed := ix.paths[p]
	delete(ix.paths, p)
	// A deleted directory takes its files with it.
	prefix := p + "/"
	for existing := range ix.paths {
		if strings.HasPrefix(existing, prefix) {
			delete(ix.paths, existing)
			existed = true
		}
	}
	ix.mu.Unlock()

	if existed {
		ix.logger.Info("deleted", zap.String("path", p))
	}
	return existed
}

// Add records rel in the manifest.
func (ix *Index) Add(rel string) error {
	p, err := Normalize(rel)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.paths[p] = struct{}{}
	ix.mu.Unlock()
	return nil
}

// Contains reports whether rel is in the manifest.
func (ix *Index) Contains(rel string) bool {
	p, err := Normalize(rel)
	if err != nil {
		return false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.paths[p]
	return ok
}

// Len returns the manifest size.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.paths)
}

// Manifest returns a sorted copy of the manifest.
func (ix *Index) Manifest() []string {
	ix.mu.RLock()
	out := make([]string, 0, len(ix.paths))
	for p := range ix.paths {
		out = append(out, p)
	}
	ix.mu.RUnlock()

	sort.Strings(out)
	return out
}

// MarkReceived records rel as written by an inbound transfer so the watcher
// event it produces is not pushed back out.
func (ix *Index) MarkReceived(rel string) {
	ix.mu.Lock()
	ix.received.add(rel)
	ix.mu.Unlock()
}

// WasReceived reports whether rel is in the received-files set.
func (ix *Index) WasReceived(rel string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.received.contains(rel)
}

// ReceivedCount returns the size of the received-files set.
func (ix *Index) ReceivedCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.received.len()
}

// Reconcile caches peerManifest for peerID and returns the sorted paths the
// local manifest has that the peer lacks.
func (ix *Index) Reconcile(peerID string, peerManifest []string) []string {
	peerSet := make(map[string]struct{}, len(peerManifest))
	for _, p := range peerManifest {
		peerSet[p] = struct{}{}
	}

	ix.peersMu.Lock()
	ix.peerManifests[peerID] = peerSet
	ix.peersMu.Unlock()

	return ix.Diff(peerSet)
}

// Diff returns sorted local paths that are absent from peerSet.
func (ix *Index) Diff(peerSet map[string]struct{}) []string {
	ix.mu.RLock()
	missing := make([]string, 0)
	for p := range ix.paths {
		if _, ok := peerSet[p]; !ok {
			missing = append(missing, p)
		}
	}
	ix.mu.RUnlock()

	sort.Strings(missing)
	return missing
}

// PeerManifest returns a sorted copy of the last manifest cached for peerID.
func (ix *Index) PeerManifest(peerID string) ([]string, bool) {
	ix.peersMu.RLock()
	set, ok := ix.peerManifests[peerID]
	if !ok {
		ix.peersMu.RUnlock()
		return nil, false
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	ix.peersMu.RUnlock()

	sort.Strings(out)
	return out, true
}

// ForgetPeer drops the cached manifest for peerID.
func (ix *Index) ForgetPeer(peerID string) {
	ix.peersMu.Lock()
	delete(ix.peerManifests, peerID)
	ix.peersMu.Unlock()
}

// Package artifacts persists per-episode evidence: the raw screen captures
// behind each snapshot and the final episode result document. Artifacts are
// plain files under one directory per episode, so a failed run can be
// reviewed without any tooling beyond brotli.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pooled brotli writers; capture payloads arrive once per step, per episode,
// so the pool mostly saves allocations under parallel episodes.
var brotliWriterPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression)
	},
}

func compressBrotli(dst io.Writer, payload []byte) error {
	bw := brotliWriterPool.Get().(*brotli.Writer)
	bw.Reset(dst)
	_, werr := bw.Write(payload)
	cerr := bw.Close()
	// Release the reference to dst before pooling.
	bw.Reset(io.Discard)
	brotliWriterPool.Put(bw)
	return errors.Join(werr, cerr)
}

// Store writes episode artifacts under a base directory. A disabled store is
// valid and drops everything, so callers never branch on configuration.
type Store struct {
	enabled  bool
	baseDir  string
	compress bool
	keepRaw  bool
	log      *zap.Logger
}

// New builds the artifact store. The base directory is created eagerly so a
// permission problem surfaces at startup rather than mid-episode.
func New(cfg config.ArtifactsConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		enabled:  cfg.Enabled,
		baseDir:  cfg.Dir,
		compress: cfg.Compress,
		keepRaw:  cfg.KeepRaw,
		log:      logger.Named("artifacts"),
	}
	if !cfg.Enabled {
		return store, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("artifacts: directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: create base dir: %w", err)
	}
	return store, nil
}

// Episode scopes the store to one episode. The returned sink satisfies the
// observer's capture sink.
func (s *Store) Episode(episodeID string) (*EpisodeArtifacts, error) {
	if strings.ContainsAny(episodeID, `/\`) || episodeID == "" {
		return nil, fmt.Errorf("artifacts: invalid episode id %q", episodeID)
	}
	ep := &EpisodeArtifacts{store: s, episodeID: episodeID}
	if !s.enabled {
		return ep, nil
	}
	if err := os.MkdirAll(filepath.Join(s.baseDir, episodeID, "captures"), 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: create episode dir: %w", err)
	}
	return ep, nil
}

// EpisodeArtifacts writes the files of a single episode.
type EpisodeArtifacts struct {
	store     *Store
	episodeID string
}

// SaveCapture persists one raw capture and returns its reference (a path
// relative to the artifact base directory). Returns an empty reference when
// raw captures are not kept.
func (e *EpisodeArtifacts) SaveCapture(captureID string, format schemas.CaptureFormat, payload []byte) (string, error) {
	if !e.store.enabled || !e.store.keepRaw {
		return "", nil
	}
	if strings.ContainsAny(captureID, `/\`) || captureID == "" {
		return "", fmt.Errorf("artifacts: invalid capture id %q", captureID)
	}

	name := captureID + extensionFor(format)
	// PNG is already entropy-coded; brotli on top wastes cycles.
	compress := e.store.compress && format != schemas.CapturePNG
	if compress {
		name += ".br"
	}

	rel := filepath.Join(e.episodeID, "captures", name)
	full := filepath.Join(e.store.baseDir, rel)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("artifacts: create capture file: %w", err)
	}
	if compress {
		err = compressBrotli(f, payload)
	} else {
		_, err = f.Write(payload)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("artifacts: write capture %s: %w", captureID, err)
	}

	e.store.log.Debug("Saved raw capture.",
		zap.String("episode_id", e.episodeID),
		zap.String("capture_id", captureID),
		zap.String("ref", rel))
	return rel, nil
}

// SaveResult persists the final episode document as indented JSON and returns
// its reference. The result stays uncompressed so it is readable in place.
func (e *EpisodeArtifacts) SaveResult(result schemas.EpisodeResult) (string, error) {
	if !e.store.enabled {
		return "", nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: encode episode result: %w", err)
	}
	rel := filepath.Join(e.episodeID, "episode.json")
	full := filepath.Join(e.store.baseDir, rel)
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("artifacts: write episode result: %w", err)
	}
	e.store.log.Info("Saved episode result.",
		zap.String("episode_id", e.episodeID),
		zap.String("ref", rel))
	return rel, nil
}

// ReadCapture loads a previously saved capture by its reference, undoing
// compression when the reference carries the brotli suffix.
func (s *Store) ReadCapture(ref string) ([]byte, error) {
	if !s.enabled {
		return nil, errors.New("artifacts: store disabled")
	}
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("artifacts: invalid reference %q", ref)
	}
	f, err := os.Open(filepath.Join(s.baseDir, clean))
	if err != nil {
		return nil, fmt.Errorf("artifacts: open capture: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(clean, ".br") {
		r = brotli.NewReader(f)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read capture: %w", err)
	}
	return data, nil
}

func extensionFor(format schemas.CaptureFormat) string {
	switch format {
	case schemas.CaptureUIAutomatorXML:
		return ".xml"
	case schemas.CaptureHTML:
		return ".html"
	case schemas.CapturePNG:
		return ".png"
	default:
		return ".bin"
	}
}

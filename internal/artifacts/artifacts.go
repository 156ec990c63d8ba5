// Package artifacts stores task output blobs content-addressed by SHA-256
// and records their metadata rows.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

// DefaultMaxUploadBytes caps a single upload.
const DefaultMaxUploadBytes int64 = 100 << 20

var (
	// ErrTooLarge is returned when an upload exceeds the configured cap.
	ErrTooLarge = errors.New("artifact exceeds upload limit")
	// ErrEmpty is returned for an upload with no body.
	ErrEmpty = errors.New("artifact body is empty")
)

// BlobStore persists artifact bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Hasher digests a stream.
type Hasher interface {
	HashReader(r io.Reader) (string, int64, error)
}

// Config tunes the service.
type Config struct {
	DefaultNamespace string
	MaxUploadBytes   int64
}

// Deps are the collaborators of a Service.
type Deps struct {
	Blobs  BlobStore
	Store  broker.ArtifactStore
	Hasher Hasher
	IDs    broker.IDGenerator
	Clock  broker.Clock
	Logger *zap.Logger
}

// Service uploads, registers and reads artifacts.
type Service struct {
	cfg    Config
	blobs  BlobStore
	store  broker.ArtifactStore
	hasher Hasher
	ids    broker.IDGenerator
	clock  broker.Clock
	logger *zap.Logger
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Blobs == nil:
		return nil, errors.New("artifacts: blob store is required")
	case deps.Store == nil:
		return nil, errors.New("artifacts: artifact store is required")
	case deps.Hasher == nil:
		return nil, errors.New("artifacts: hasher is required")
	case deps.IDs == nil:
		return nil, errors.New("artifacts: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("artifacts: clock is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = broker.DefaultNamespace
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		blobs:  deps.Blobs,
		store:  deps.Store,
		hasher: deps.Hasher,
		ids:    deps.IDs,
		clock:  deps.Clock,
		logger: deps.Logger,
	}, nil
}

// Upload describes a stored blob.
type Upload struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Bucket   string `json:"bucket"`
	Ext      string `json:"ext"`
	Hash     string `json:"hash"`
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
}

// Upload stores body under bucket/hash.ext where bucket is the first two
// hex characters of the digest and ext comes from the content type subtype.
// Identical bodies map to the same path.
func (s *Service) Upload(ctx context.Context, contentType string, body io.Reader) (Upload, error) {
	var buf bytes.Buffer
	limited := io.LimitReader(body, s.cfg.MaxUploadBytes+1)
	hash, n, err := s.hasher.HashReader(io.TeeReader(limited, &buf))
	if err != nil {
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if n > s.cfg.MaxUploadBytes {
		return Upload{}, ErrTooLarge
	}
	if n == 0 {
		return Upload{}, ErrEmpty
	}

	ext := Extension(contentType)
	up := Upload{
		Bucket:   hash[:2],
		Ext:      ext,
		Hash:     hash,
		Filename: hash,
		Size:     n,
	}
	if ext != "" {
		up.Filename = hash + "." + ext
	}
	up.Path = up.Bucket + "/" + up.Filename

	uri, err := s.blobs.PutObject(ctx, up.Path, contentType, &buf)
	if err != nil {
		return Upload{}, fmt.Errorf("store upload: %w", err)
	}
	up.URI = uri
	s.logger.Debug("artifact uploaded", zap.String("path", up.Path), zap.Int64("bytes", n))
	return up, nil
}

// Extension maps a content type to a file extension: its subtype, with any
// structured-syntax suffix kept ("svg+xml"). Unparseable types yield "".
func Extension(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok || sub == "" || sub == "*" {
		return ""
	}
	return sub
}

// NewArtifact is one row to register.
type NewArtifact struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Path        string  `json:"path"`
	TaskID      *string `json:"taskID,omitempty"`
}

// Register records artifacts whose bodies were already uploaded. Every path
// must exist in the blob store; nothing is written otherwise.
func (s *Service) Register(ctx context.Context, namespace string, items []NewArtifact) ([]broker.Artifact, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no artifacts provided", broker.ErrInvalidArgument)
	}
	namespace = broker.NamespaceOr(namespace, s.cfg.DefaultNamespace)
	now := s.clock.Now()
	out := make([]broker.Artifact, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Path) == "" {
			return nil, fmt.Errorf("%w: artifact %d: no path provided", broker.ErrInvalidArgument, i)
		}
		ok, err := s.blobs.Exists(ctx, item.Path)
		if err != nil {
			return nil, fmt.Errorf("check artifact %d: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: artifact %d: path is not an uploaded file", broker.ErrInvalidArgument, i)
		}
		id, err := s.ids.NewID()
		if err != nil {
			return nil, err
		}
		out = append(out, broker.Artifact{
			ID:          id,
			Namespace:   namespace,
			Name:        item.Name,
			Description: item.Description,
			Type:        item.Type,
			Path:        item.Path,
			TaskID:      item.TaskID,
			CreatedAt:   now,
		})
	}
	created, err := s.store.CreateArtifacts(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("register artifacts: %w", err)
	}
	return created, nil
}

// Find returns the newest artifact with the given name and type.
func (s *Service) Find(ctx context.Context, namespace, name, kind string) (broker.Artifact, error) {
	return s.store.FindArtifact(ctx, broker.NamespaceOr(namespace, s.cfg.DefaultNamespace), name, kind)
}

// Read returns the newest matching artifact and its body.
func (s *Service) Read(ctx context.Context, namespace, name, kind string) (broker.Artifact, []byte, error) {
	a, err := s.Find(ctx, namespace, name, kind)
	if err != nil {
		return broker.Artifact{}, nil, err
	}
	body, err := s.blobs.GetObject(ctx, a.Path)
	if err != nil {
		return a, nil, fmt.Errorf("read artifact %s: %w", a.ID, err)
	}
	return a, body, nil
}

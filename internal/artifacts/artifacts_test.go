package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/hash/sha256"
	"github.com/JakeFAU/taskbroker/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("a%d", s.n), nil
}

type failingBlobs struct{ BlobStore }

func (failingBlobs) Exists(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}

func newService(t *testing.T, max int64) (*Service, *memory.BlobStore, *memory.Store) {
	t.Helper()
	blobs := memory.NewBlobStore()
	store := memory.NewStore()
	svc, err := New(Config{MaxUploadBytes: max}, Deps{
		Blobs:  blobs,
		Store:  store,
		Hasher: sha256.New(),
		IDs:    &seqIDs{},
		Clock:  fixedClock{t: time.Unix(1700000000, 0).UTC()},
	})
	require.NoError(t, err)
	return svc, blobs, store
}

func TestUploadIsContentAddressed(t *testing.T) {
	t.Parallel()

	svc, blobs, _ := newService(t, 0)
	ctx := context.Background()

	up, err := svc.Upload(ctx, "text/plain; charset=utf-8", strings.NewReader("hello world"))
	require.NoError(t, err)
	const digest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	require.Equal(t, Upload{
		Path:     "b9/" + digest + ".plain",
		Filename: digest + ".plain",
		Bucket:   "b9",
		Ext:      "plain",
		Hash:     digest,
		URI:      "memory://b9/" + digest + ".plain",
		Size:     11,
	}, up)

	body, err := blobs.GetObject(ctx, up.Path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))

	again, err := svc.Upload(ctx, "text/plain", strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, up.Path, again.Path)
}

func TestUploadLimits(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 4)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "text/plain", strings.NewReader("12345"))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = svc.Upload(ctx, "text/plain", bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrEmpty)

	up, err := svc.Upload(ctx, "", strings.NewReader("1234"))
	require.NoError(t, err)
	require.Equal(t, up.Hash, up.Filename)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"text/html":                "html",
		"text/html; charset=utf-8": "html",
		"image/svg+xml":            "svg+xml",
		"":                         "",
		"garbage":                  "",
		"application/*":            "",
	}
	for in, want := range cases {
		require.Equal(t, want, Extension(in), in)
	}
}

func TestRegisterRequiresUploadedPaths(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 0)
	ctx := context.Background()

	_, err := svc.Register(ctx, "", nil)
	require.ErrorIs(t, err, broker.ErrInvalidArgument)

	_, err = svc.Register(ctx, "", []NewArtifact{{Name: "x"}})
	require.ErrorIs(t, err, broker.ErrInvalidArgument)
	require.Contains(t, err.Error(), "no path provided")

	_, err = svc.Register(ctx, "", []NewArtifact{{Name: "x", Path: "zz/nope.html"}})
	require.ErrorIs(t, err, broker.ErrInvalidArgument)
	require.Contains(t, err.Error(), "not an uploaded file")
}

func TestRegisterAndRead(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 0)
	ctx := context.Background()

	up, err := svc.Upload(ctx, "text/plain", strings.NewReader("User-agent: *\nDisallow: /private\n"))
	require.NoError(t, err)
	taskID := "t1"
	created, err := svc.Register(ctx, "", []NewArtifact{{
		Name:   "example.com",
		Type:   broker.ArtifactTypeRobots,
		Path:   up.Path,
		TaskID: &taskID,
	}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, broker.DefaultNamespace, created[0].Namespace)
	require.Equal(t, "a1", created[0].ID)

	a, body, err := svc.Read(ctx, "", "example.com", broker.ArtifactTypeRobots)
	require.NoError(t, err)
	require.Equal(t, up.Path, a.Path)
	require.Contains(t, string(body), "Disallow: /private")

	_, _, err = svc.Read(ctx, "", "other.com", broker.ArtifactTypeRobots)
	require.ErrorIs(t, err, broker.ErrNotFound)
}

func TestRegisterSurfacesBackendErrors(t *testing.T) {
	t.Parallel()

	svc, err := New(Config{}, Deps{
		Blobs:  failingBlobs{},
		Store:  memory.NewStore(),
		Hasher: sha256.New(),
		IDs:    &seqIDs{},
		Clock:  fixedClock{},
	})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), "", []NewArtifact{{Path: "ab/x"}})
	require.Error(t, err)
	require.NotErrorIs(t, err, broker.ErrInvalidArgument)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}


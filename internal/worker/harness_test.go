package worker

import (
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/api"
	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/counter"
	"github.com/JakeFAU/taskbroker/internal/events"
	"github.com/JakeFAU/taskbroker/internal/hash/sha256"
	"github.com/JakeFAU/taskbroker/internal/storage/memory"
	"github.com/JakeFAU/taskbroker/internal/stream"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

type testBroker struct {
	URL string
	Svc *coordinator.Service
	Bus *events.Bus
}

// newBroker serves the full API over in-memory stores.
func newBroker(t *testing.T, mutate ...func(*config.Config)) testBroker {
	t.Helper()
	store := memory.NewStore()
	bus := events.NewBus(nil)
	ids := &seqIDs{}
	svc, err := coordinator.New(coordinator.Config{}, coordinator.Deps{
		Store:  store,
		Counts: counter.NewCache(counter.NewMemoryStore(), nil),
		Bus:    bus,
		Clock:  fakeClock{},
		IDs:    ids,
	})
	require.NoError(t, err)
	arts, err := artifacts.New(artifacts.Config{}, artifacts.Deps{
		Blobs:  memory.NewBlobStore(),
		Store:  store,
		Hasher: sha256.New(),
		IDs:    ids,
		Clock:  fakeClock{},
	})
	require.NoError(t, err)
	cfg := config.Config{Server: config.ServerConfig{Port: 3000, RequestTimeout: 5 * time.Second}}
	for _, m := range mutate {
		m(&cfg)
	}
	srv := api.NewServer(api.Deps{
		Coordinator: svc,
		Artifacts:   arts,
		Streams:     stream.NewHandler(svc, bus, stream.Config{}),
		Health:      store,
	}, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return testBroker{URL: ts.URL, Svc: svc, Bus: bus}
}

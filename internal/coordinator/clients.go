package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/keymutex"
)

// SyncRequest registers or refreshes a worker.
type SyncRequest struct {
	ID           string   `json:"id"`
	Namespace    string   `json:"namespace"`
	Variant      string   `json:"variant"`
	Concurrency  int      `json:"concurrency"`
	Running      int      `json:"running"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type syncResult struct {
	client  broker.Client
	created bool
}

// SyncClient upserts the worker as online with a fresh heartbeat and reports
// whether the row was created. A worker with an open stream keeps the variant
// it connected with; a sync naming another one fails with ErrInvalidArgument.
func (s *Service) SyncClient(ctx context.Context, req SyncRequest) (broker.Client, bool, error) {
	if req.ID == "" {
		return broker.Client{}, false, fmt.Errorf("%w: id is required", broker.ErrInvalidArgument)
	}
	ns := s.namespace(req.Namespace)
	variant := req.Variant
	if variant == "" {
		variant = DefaultVariant
	}
	res, err := keymutex.WithLock(ctx, s.locks, keymutex.ClientKey(ns, req.ID),
		func(ctx context.Context) (syncResult, error) {
			if err := s.checkVariantPinned(ctx, req.ID, variant); err != nil {
				return syncResult{}, err
			}
			now := s.clock.Now()
			client, created, err := s.store.UpsertClient(ctx, broker.Client{
				ID:            req.ID,
				Namespace:     ns,
				Variant:       variant,
				Online:        true,
				LastHeartbeat: now,
				Concurrency:   req.Concurrency,
				Running:       req.Running,
				Capabilities:  req.Capabilities,
				UpdatedAt:     now,
			})
			if err != nil {
				return syncResult{}, fmt.Errorf("upsert client %s: %w", req.ID, err)
			}
			return syncResult{client: client, created: created}, nil
		})
	if err != nil {
		return broker.Client{}, false, err
	}
	if res.created {
		s.logger.Info("client registered",
			zap.String("client_id", req.ID),
			zap.String("namespace", ns),
			zap.String("variant", variant),
			zap.Strings("capabilities", req.Capabilities),
		)
	}
	return res.client, res.created, nil
}

// Connect marks a known worker online and records an open stream. Unknown
// workers yield ErrClientNotFound.
func (s *Service) Connect(ctx context.Context, clientID string) (broker.Client, error) {
	known, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return broker.Client{}, err
	}
	return keymutex.WithLock(ctx, s.locks, keymutex.ClientKey(known.Namespace, clientID),
		func(ctx context.Context) (broker.Client, error) {
			client, err := s.store.TouchClient(ctx, clientID, true, s.clock.Now())
			if err != nil {
				return broker.Client{}, err
			}
			s.streamsMu.Lock()
			s.streams[clientID]++
			s.streamsMu.Unlock()
			return client, nil
		})
}

// Disconnect releases one stream and marks the worker offline once none
// remain open.
func (s *Service) Disconnect(ctx context.Context, clientID string) error {
	known, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	return s.locks.Do(ctx, keymutex.ClientKey(known.Namespace, clientID),
		func(ctx context.Context) error {
			if s.releaseStream(clientID) > 0 {
				return nil
			}
			_, err := s.store.TouchClient(ctx, clientID, false, s.clock.Now())
			return err
		})
}

// releaseStream drops one open stream and returns how many remain.
func (s *Service) releaseStream(clientID string) int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	n := s.streams[clientID] - 1
	if n <= 0 {
		delete(s.streams, clientID)
		return 0
	}
	s.streams[clientID] = n
	return n
}

func (s *Service) streaming(clientID string) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return s.streams[clientID] > 0
}

// checkVariantPinned runs under the client lock.
func (s *Service) checkVariantPinned(ctx context.Context, clientID, variant string) error {
	if !s.streaming(clientID) {
		return nil
	}
	current, err := s.store.GetClient(ctx, clientID)
	switch {
	case errors.Is(err, broker.ErrClientNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("get client %s: %w", clientID, err)
	case current.Variant != variant:
		return fmt.Errorf("%w: client %s is streaming as variant %q", broker.ErrInvalidArgument, clientID, current.Variant)
	}
	return nil
}

// GetClient returns one worker.
func (s *Service) GetClient(ctx context.Context, id string) (broker.Client, error) {
	return s.store.GetClient(ctx, id)
}

// ListClients lists workers in a namespace.
func (s *Service) ListClients(ctx context.Context, namespace string, limit, offset int) ([]broker.Client, error) {
	return s.store.ListClients(ctx, s.namespace(namespace), limit, offset)
}

package readmodel

import (
	"context"
	"sort"
	"sync"

	"order-saga/internal/eventstore"
	"order-saga/internal/models"
	"order-saga/internal/registry"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// Projection holds order views in memory
type Projection struct {
	dispatcher *registry.Dispatcher
	logger     *zap.Logger

	mu    sync.RWMutex
	views map[string]*OrderView
}

// NewProjection creates an empty projection
func NewProjection(dispatcher *registry.Dispatcher, logger *zap.Logger) *Projection {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Projection{
		dispatcher: dispatcher,
		logger:     logger,
		views:      make(map[string]*OrderView),
	}
}

// Project folds stored envelopes into the views. Envelopes at or below a
// view's version were already applied and are skipped. It reports false when
// an envelope does not continue its view, in which case the order should be
// rebuilt from its full stream.
func (p *Projection) Project(envs []models.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	contiguous := true
	for _, env := range envs {
		v, ok := p.views[env.OrderID]
		if !ok {
			v = &OrderView{}
		}
		if env.Sequence <= v.Version {
			continue
		}
		if env.Sequence != v.Version+1 {
			contiguous = false
			continue
		}
		if p.fold(v, env) && !ok {
			p.views[env.OrderID] = v
		}
	}
	return contiguous
}

// Rebuild replaces the view of an order with one folded from its whole
// stream, unless the current view is already newer.
func (p *Projection) Rebuild(orderID string, envs []models.Envelope) {
	v := &OrderView{}
	for _, env := range envs {
		if env.Sequence == v.Version+1 {
			p.fold(v, env)
		}
	}
	if v.Version == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.views[orderID]; !ok || cur.Version < v.Version {
		p.views[orderID] = v
	}
}

func (p *Projection) fold(v *OrderView, env models.Envelope) bool {
	ev, err := p.dispatcher.DispatchEnvelope(env)
	if err != nil {
		p.logger.Warn("Skipping event in order projection",
			zap.String("order_id", env.OrderID),
			zap.String("kind", env.Kind),
			zap.Error(err))
		return false
	}
	Fold(v, env, ev)
	return true
}

// ListOrders implements Reader
func (p *Projection) ListOrders(ctx context.Context, q Query) ([]OrderView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()

	p.mu.RLock()
	out := make([]OrderView, 0)
	for _, v := range p.views {
		if q.Matches(*v) {
			out = append(out, *v)
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Wrap returns a store that projects every successful append
func (p *Projection) Wrap(store eventstore.Store) eventstore.Store {
	return &projectingStore{Store: store, projection: p}
}

type projectingStore struct {
	eventstore.Store
	projection *Projection
}

func (s *projectingStore) Append(ctx context.Context, orderID string, expectedVersion int64, events []models.Envelope) error {
	if err := s.Store.Append(ctx, orderID, expectedVersion, events); err != nil {
		return err
	}
	if s.projection.Project(events) {
		return nil
	}

	envs, err := s.Store.Load(ctx, orderID)
	if err != nil {
		s.projection.logger.Warn("Failed to rebuild order view",
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil
	}
	s.projection.Rebuild(orderID, envs)
	return nil
}

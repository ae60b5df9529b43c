// Package registry is the single source of truth for instrument metadata.
// Readers get immutable snapshots; every load builds a new snapshot and
// swaps it in atomically.
package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dexadapter/internal/chain"
	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
	"dexadapter/pkg/exception"
)

// MetadataSource is the part of the chain client the registry needs.
type MetadataSource interface {
	PoolMetadata(ctx context.Context, kind enum.PoolKind, pool common.Address) (chain.PoolMetadata, error)
	DiscoverPools(ctx context.Context, factory common.Address, limit int) ([]common.Address, error)
}

// Source is a configured pool. Base is optional.
type Source struct {
	Pool common.Address
	Kind enum.PoolKind
	Base common.Address
}

type Option struct {
	Venue          string
	Sources        []Source
	Factory        common.Address
	DiscoveryLimit int
	Cache          Cache
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	byID   map[model.InstrumentID]model.Instrument
	byPool map[common.Address]model.InstrumentID
	ids    []model.InstrumentID
}

var emptySnapshot = newSnapshot(nil)

func newSnapshot(insts []model.Instrument) *Snapshot {
	s := &Snapshot{
		byID:   make(map[model.InstrumentID]model.Instrument, len(insts)),
		byPool: make(map[common.Address]model.InstrumentID, len(insts)),
	}
	// first record wins an id, later pools with the same id are left out
	for _, inst := range insts {
		if _, dup := s.byID[inst.ID]; dup {
			continue
		}
		s.ids = append(s.ids, inst.ID)
		s.byID[inst.ID] = inst
		s.byPool[inst.Pool] = inst.ID
	}
	slices.SortFunc(s.ids, func(a, b model.InstrumentID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return s
}

func (s *Snapshot) Get(id model.InstrumentID) (model.Instrument, bool) {
	inst, ok := s.byID[id]
	return inst, ok
}

func (s *Snapshot) ByPool(pool common.Address) (model.Instrument, bool) {
	id, ok := s.byPool[pool]
	if !ok {
		return model.Instrument{}, false
	}
	return s.Get(id)
}

// All returns the instruments ordered by ID.
func (s *Snapshot) All() []model.Instrument {
	out := make([]model.Instrument, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Snapshot) IDs() []model.InstrumentID {
	return slices.Clone(s.ids)
}

func (s *Snapshot) Len() int {
	return len(s.ids)
}

// Registry loads and publishes instruments. Loads are serialised; readers
// never block.
type Registry struct {
	src   MetadataSource
	opt   Option
	cache Cache
	now   func() time.Time

	loadMu sync.Mutex
	snap   atomic.Pointer[Snapshot]
	// source used for each pool, kept so LoadByID can refresh it
	sources atomic.Pointer[map[common.Address]Source]
}

func New(src MetadataSource, opt Option) *Registry {
	cache := opt.Cache
	if cache == nil {
		cache = NopCache{}
	}
	r := &Registry{src: src, opt: opt, cache: cache, now: time.Now}
	r.snap.Store(emptySnapshot)
	sources := make(map[common.Address]Source)
	r.sources.Store(&sources)
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// WarmStart publishes the cached registry when nothing is loaded yet.
func (r *Registry) WarmStart(ctx context.Context) (int, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if r.Snapshot().Len() > 0 {
		return 0, nil
	}
	insts, err := r.cache.Load(ctx)
	if err != nil {
		if errors.Is(err, exception.ErrRegistryCacheMiss) {
			return 0, nil
		}
		return 0, err
	}
	sources := make(map[common.Address]Source, len(insts))
	for _, inst := range insts {
		sources[inst.Pool] = Source{Pool: inst.Pool, Kind: inst.Kind, Base: inst.Base.Address}
	}
	r.sources.Store(&sources)
	r.snap.Store(newSnapshot(insts))
	logs.Infof("registry warm-started with %d instruments from cache", len(insts))
	return len(insts), nil
}

// LoadAll discovers every pool and replaces the registry wholesale. Pools
// with malformed metadata are logged and skipped.
func (r *Registry) LoadAll(ctx context.Context) (*Snapshot, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	sources, err := r.discover(ctx)
	if err != nil {
		return nil, err
	}

	insts := make([]model.Instrument, 0, len(sources))
	bySource := make(map[common.Address]Source, len(sources))
	owners := make(map[model.InstrumentID]common.Address, len(sources))
	for _, src := range sources {
		inst, err := r.load(ctx, src)
		if err == nil {
			err = claim(owners, inst)
		}
		if err != nil {
			if stop := r.skip(src, err); stop != nil {
				return nil, stop
			}
			continue
		}
		insts = append(insts, inst)
		bySource[src.Pool] = src
	}
	if len(insts) == 0 && len(sources) > 0 {
		return nil, errs.WithKind(errs.KindMalformedResponse, exception.ErrRegistryNothingLoaded)
	}

	snap := newSnapshot(insts)
	r.sources.Store(&bySource)
	r.snap.Store(snap)
	logs.Infof("registry loaded %d of %d pools", snap.Len(), len(sources))

	r.persist(ctx, snap)
	return snap, nil
}

// LoadByID refreshes only the named instruments. Others keep their record.
func (r *Registry) LoadByID(ctx context.Context, ids ...model.InstrumentID) (*Snapshot, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	cur := r.Snapshot()
	known := *r.sources.Load()
	owners := make(map[model.InstrumentID]common.Address, cur.Len())
	for _, inst := range cur.All() {
		owners[inst.ID] = inst.Pool
	}
	fresh := make(map[model.InstrumentID]model.Instrument, len(ids))
	for _, id := range ids {
		inst, ok := cur.Get(id)
		if !ok {
			return nil, errs.Wrap(exception.ErrRegistryInstrumentNotFound, id.String())
		}
		src, ok := known[inst.Pool]
		if !ok {
			src = Source{Pool: inst.Pool, Kind: inst.Kind, Base: inst.Base.Address}
		}
		next, err := r.load(ctx, src)
		if err == nil && next.ID != id {
			err = claim(owners, next)
		}
		if err != nil {
			if stop := r.skip(src, err); stop != nil {
				return nil, stop
			}
			continue
		}
		if next.ID != id {
			delete(owners, id)
		}
		fresh[id] = next
	}

	insts := cur.All()
	for i, inst := range insts {
		if next, ok := fresh[inst.ID]; ok {
			insts[i] = next
		}
	}
	snap := newSnapshot(insts)
	r.snap.Store(snap)
	logs.Infof("registry refreshed %d of %d requested instruments", len(fresh), len(ids))

	r.persist(ctx, snap)
	return snap, nil
}

func (r *Registry) discover(ctx context.Context) ([]Source, error) {
	seen := make(map[common.Address]struct{}, len(r.opt.Sources))
	out := make([]Source, 0, len(r.opt.Sources))
	for _, src := range r.opt.Sources {
		if _, dup := seen[src.Pool]; dup {
			continue
		}
		seen[src.Pool] = struct{}{}
		out = append(out, src)
	}

	if r.opt.Factory == (common.Address{}) {
		return out, nil
	}
	pools, err := r.src.DiscoverPools(ctx, r.opt.Factory, r.opt.DiscoveryLimit)
	if err != nil {
		if errs.KindOf(err).Fatal() || errors.Is(err, context.Canceled) {
			return nil, err
		}
		logs.Errorf("discover pools from factory %s, err: %+v", r.opt.Factory.Hex(), err)
		return out, nil
	}
	for _, pool := range pools {
		if _, dup := seen[pool]; dup {
			continue
		}
		seen[pool] = struct{}{}
		out = append(out, Source{Pool: pool, Kind: enum.PoolKindConstantProduct})
	}
	return out, nil
}

func (r *Registry) load(ctx context.Context, src Source) (model.Instrument, error) {
	meta, err := r.src.PoolMetadata(ctx, src.Kind, src.Pool)
	if err != nil {
		return model.Instrument{}, err
	}
	return ParseInstrument(meta, src.Base, r.opt.Venue, r.now().UnixNano())
}

// claim records inst.Pool as the owner of inst.ID. A second pool resolving
// to the same id is malformed for this venue.
func claim(owners map[model.InstrumentID]common.Address, inst model.Instrument) error {
	if owner, taken := owners[inst.ID]; taken && owner != inst.Pool {
		return errs.WithKind(errs.KindMalformedResponse,
			yerrors.Wrap(exception.ErrRegistryDuplicateID, inst.ID.String()).With("owner", owner.Hex()))
	}
	owners[inst.ID] = inst.Pool
	return nil
}

// skip logs a pool failure and returns non-nil when loading must stop.
func (r *Registry) skip(src Source, err error) error {
	if errors.Is(err, context.Canceled) || errs.KindOf(err).Fatal() {
		return err
	}
	logs.Errorf("skip pool, err: %+v", yerrors.Wrap(err, "load pool").With("pool", src.Pool.Hex()).With("kind", src.Kind.String()))
	return nil
}

func (r *Registry) persist(ctx context.Context, snap *Snapshot) {
	if err := r.cache.Save(ctx, snap.All()); err != nil {
		logs.Errorf("save registry cache, err: %+v", yerrors.Wrap(err, "save registry cache").With("instruments", snap.Len()))
	}
}

// Package syncer walks a remote catalog subtree and brings the local texture
// projection up to date.
//
// A run is a set of scheduler tasks: one resolves the root, one lists the
// children of every group or asset, and one downloads every file. All task
// steps run on the scheduler's tick goroutine, so the run bookkeeping needs
// no locks except for the summary read by host goroutines.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/pkg/cache"
	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
	"github.com/dfelinto/blender-cloud-addon/pkg/projector"
	"github.com/dfelinto/blender-cloud-addon/pkg/scheduler"
	"github.com/dfelinto/blender-cloud-addon/pkg/tree"
)

// ErrRootUnreachable fails a run whose root could not be fetched or listed.
var ErrRootUnreachable = errors.New("sync root unreachable")

// maxAncestry bounds the parent chain walked when a run starts at a node.
const maxAncestry = 64

// Catalog is the remote API the syncer reads from.
type Catalog interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetNode(ctx context.Context, id string) (*models.Node, error)
	ListChildren(ctx context.Context, parent models.Entity) ([]models.Entity, error)
}

// Options configures a Syncer.
type Options struct {
	Scheduler *scheduler.Scheduler
	Catalog   Catalog
	Projector *projector.Projector
	Store     *cache.Store
	Tree      *tree.Tree
	// DownloadHeader returns the request headers for a file link.
	DownloadHeader func(link string) http.Header
	Logger         *zap.Logger
}

// Syncer starts sync runs and keeps track of them.
type Syncer struct {
	sched     *scheduler.Scheduler
	catalog   Catalog
	projector *projector.Projector
	store     *cache.Store
	tree      *tree.Tree
	header    func(string) http.Header
	log       *zap.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates a syncer.
func New(opts Options) (*Syncer, error) {
	switch {
	case opts.Scheduler == nil:
		return nil, fmt.Errorf("syncer: scheduler is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("syncer: catalog is required")
	case opts.Projector == nil:
		return nil, fmt.Errorf("syncer: projector is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("syncer: content store is required")
	}
	if opts.Tree == nil {
		opts.Tree = tree.New()
	}
	if opts.DownloadHeader == nil {
		opts.DownloadHeader = func(string) http.Header { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("syncer")
	}
	return &Syncer{
		sched:     opts.Scheduler,
		catalog:   opts.Catalog,
		projector: opts.Projector,
		store:     opts.Store,
		tree:      opts.Tree,
		header:    opts.DownloadHeader,
		log:       opts.Logger,
		runs:      make(map[string]*Run),
	}, nil
}

// Start begins a run rooted at a project or node UUID and returns at once.
// Progress and the final summary are delivered through opts; the caller
// drives the scheduler.
func (s *Syncer) Start(ctx context.Context, root string, opts RunOptions) *Run {
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	r := &Run{
		id:      id,
		root:    root,
		s:       s,
		ctx:     rctx,
		cancel:  cancel,
		opts:    opts,
		log:     s.log.With(zap.String("run", id), zap.String("root", root)),
		done:    make(chan struct{}),
		session: s.store.NewSession(s.sched),
		seen:    make(map[string]bool),
	}
	r.summary = Summary{RunID: id, Root: root, Started: time.Now()}

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()

	r.log.Info("sync started")
	r.spawn("sync:root:"+root, true, r.resolveRoot)
	return r
}

// Run returns a run started by this syncer.
func (s *Syncer) Run(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// Cancel cancels the run with the given ID.
func (s *Syncer) Cancel(id string) bool {
	r, ok := s.Run(id)
	if !ok {
		return false
	}
	r.Cancel()
	return true
}

// Runs returns every run still in progress.
func (s *Syncer) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, r := range s.runs {
		if !r.State().Terminal() {
			out = append(out, r)
		}
	}
	return out
}

func (s *Syncer) runFinished(r *Run, state State) {
	metrics.RecordSyncRun(state.String())
}

// fetchRoot returns the chain from the project down to root. It runs inside
// a scheduler op.
func (s *Syncer) fetchRoot(ctx context.Context, root string) ([]models.Entity, error) {
	p, err := s.catalog.GetProject(ctx, root)
	if err == nil {
		return []models.Entity{p}, nil
	}
	if !failure.IsNotFound(err) {
		return nil, err
	}

	n, err := s.catalog.GetNode(ctx, root)
	if err != nil {
		return nil, err
	}
	chain := []models.Entity{n}
	seen := map[string]bool{n.UUID: true}
	for cur := n; cur.Parent != ""; {
		if seen[cur.Parent] || len(chain) > maxAncestry {
			return nil, fmt.Errorf("ancestry of %s: %w", root, projector.ErrCycle)
		}
		parent, err := s.catalog.GetNode(ctx, cur.Parent)
		if err != nil {
			return nil, err
		}
		seen[parent.UUID] = true
		chain = append([]models.Entity{parent}, chain...)
		cur = parent
	}
	proj, err := s.catalog.GetProject(ctx, n.Project)
	if err != nil {
		return nil, err
	}
	return append([]models.Entity{proj}, chain...), nil
}

func (r *Run) fail(err error) scheduler.Step {
	if r.ctx.Err() != nil {
		return scheduler.Fail(err)
	}
	r.fatal = fmt.Errorf("%w: %w", ErrRootUnreachable, err)
	r.log.Error("sync root unreachable", zap.Error(err))
	r.cancel()
	return scheduler.Fail(r.fatal)
}

func (r *Run) resolveRoot(ctx context.Context) scheduler.Step {
	r.setState(StateListing)
	return scheduler.AwaitFunc(func(ctx context.Context) ([]models.Entity, error) {
		return r.s.fetchRoot(ctx, r.root)
	}, func(chain []models.Entity, err error) scheduler.Step {
		if err != nil {
			return r.fail(err)
		}
		for _, e := range chain {
			r.s.tree.Add(e)
		}
		var rel string
		for _, e := range chain {
			if rel, err = r.s.projector.ProjectPath(e); err != nil {
				return r.fail(err)
			}
			if err = r.s.projector.Record(e, rel); err != nil {
				return r.fail(err)
			}
			r.seen[e.ID()] = true
		}
		root := chain[len(chain)-1]
		if root.Kind() == models.KindFile {
			return r.fail(fmt.Errorf("root %s is a file", root.ID()))
		}
		r.update(func(s *Summary) { s.Discovered++ })
		return r.list(ctx, root, rel, true)
	})
}

// list fetches the children of parent, records them and spawns follow-up
// tasks.
func (r *Run) list(ctx context.Context, parent models.Entity, parentRel string, isRoot bool) scheduler.Step {
	return scheduler.AwaitFunc(func(ctx context.Context) ([]models.Entity, error) {
		return r.s.catalog.ListChildren(ctx, parent)
	}, func(children []models.Entity, err error) scheduler.Step {
		if err != nil {
			if isRoot {
				return r.fail(err)
			}
			if r.ctx.Err() == nil {
				r.addFailure(parent, parentRel, PhaseListing, err)
			}
			return scheduler.Fail(err)
		}

		var fresh []models.Entity
		for _, c := range children {
			if r.seen[c.ID()] {
				r.log.Debug("skipping entity already visited", zap.String("uuid", c.ID()))
				continue
			}
			r.seen[c.ID()] = true
			fresh = append(fresh, c)
			r.s.tree.Add(c)
		}
		r.update(func(s *Summary) { s.Discovered += len(fresh) })

		for _, c := range fresh {
			r.visit(c)
		}
		return scheduler.Return(len(fresh))
	})
}

// visit projects and records one child and spawns its listing or download.
func (r *Run) visit(e models.Entity) {
	rel, err := r.s.projector.ProjectPath(e)
	if err != nil {
		r.addFailure(e, "", PhaseProjecting, err)
		return
	}
	if err := r.s.projector.Record(e, rel); err != nil {
		r.addFailure(e, rel, PhaseRecording, err)
		return
	}

	if f, ok := e.(*models.File); ok {
		r.spawn("sync:download:"+f.UUID, false, func(ctx context.Context) scheduler.Step {
			return r.download(ctx, f, rel)
		})
		return
	}
	r.spawn("sync:list:"+e.ID(), true, func(ctx context.Context) scheduler.Step {
		return r.list(ctx, e, rel, false)
	})
}

func (r *Run) download(ctx context.Context, f *models.File, rel string) scheduler.Step {
	asset := cache.Asset{
		Key:        f.UUID,
		URL:        f.URL(),
		Path:       r.s.projector.LocalPath(rel),
		HeaderPath: r.s.projector.HeadersPath(f.UUID),
		Header:     r.s.header(f.URL()),
	}
	return r.session.Ensure(ctx, asset, func(o cache.Outcome, err error) scheduler.Step {
		if err != nil {
			if r.ctx.Err() == nil {
				r.addFailure(f, rel, PhaseDownloading, err)
			}
			return scheduler.Fail(err)
		}
		r.update(func(s *Summary) {
			if o == cache.OutcomeDownloaded {
				s.Downloaded++
			} else {
				s.Skipped++
			}
		})
		return scheduler.Return(o)
	})
}

// Package session holds the explicit context of one authenticated user: the
// scheduler and its driver, the HTTP cache, the API client, the content
// store and the catalog projection. Hosts create one Session and call into
// it instead of reaching for globals.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/config"
	"github.com/dfelinto/blender-cloud-addon/internal/syncer"
	"github.com/dfelinto/blender-cloud-addon/pkg/cache"
	"github.com/dfelinto/blender-cloud-addon/pkg/client"
	"github.com/dfelinto/blender-cloud-addon/pkg/httpcache"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
	"github.com/dfelinto/blender-cloud-addon/pkg/models"
	"github.com/dfelinto/blender-cloud-addon/pkg/projector"
	"github.com/dfelinto/blender-cloud-addon/pkg/scheduler"
	"github.com/dfelinto/blender-cloud-addon/pkg/tree"
)

// downloadTimeout bounds a single binary download, body included.
const downloadTimeout = 30 * time.Minute

// Session is the per-user sync context.
type Session struct {
	cfg      *config.Config
	userID   string
	cacheDir string
	apiHost  string
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sched     *scheduler.Scheduler
	driver    *scheduler.Driver
	httpCache *httpcache.Cache
	client    *client.Client
	store     *cache.Store
	tree      *tree.Tree
	projector *projector.Projector
	syncer    *syncer.Syncer
}

// New builds a session for the user owning token. An empty token gives an
// anonymous session that can only read public projects.
func New(cfg *config.Config, token string) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("session")

	userID := "anonymous"
	if token != "" {
		userID = client.UserIDFromToken(token)
	}
	userCache := filepath.Join(cfg.CacheDir, userID)

	hc, err := httpcache.New(httpcache.Options{
		Dir:         filepath.Join(userCache, "http_cache"),
		Client:      client.NewHTTPClient(cfg.HTTPTimeout),
		MaxBodySize: cfg.MaxCachedBody,
		Logger:      logger.Named("httpcache"),
	})
	if err != nil {
		return nil, fmt.Errorf("open http cache: %w", err)
	}

	api, err := client.New(client.Config{
		BaseURL:   cfg.ServerURL,
		Timeout:   cfg.HTTPTimeout,
		AuthToken: token,
		Cache:     hc,
		Logger:    logger.Named("client"),
	})
	if err != nil {
		hc.Close()
		return nil, err
	}

	dl := client.NewHTTPClient(cfg.HTTPTimeout)
	dl.Timeout = downloadTimeout
	store := cache.New(cache.Options{
		Client:     dl,
		Revalidate: cfg.Revalidate,
		Logger:     logger.Named("cache"),
	})

	tr := tree.New()
	proj, err := projector.Open(cfg.TexturesDir, tr, logger.Named("projector"))
	if err != nil {
		hc.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{
		PollTimeout: cfg.PollTimeout,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger.Named("scheduler"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		userID:    userID,
		cacheDir:  userCache,
		log:       log.With(zap.String("user", userID)),
		ctx:       ctx,
		cancel:    cancel,
		sched:     sched,
		driver:    scheduler.NewDriver(sched, cfg.TickInterval),
		httpCache: hc,
		client:    api,
		store:     store,
		tree:      tr,
		projector: proj,
	}
	if u, err := url.Parse(api.BaseURL()); err == nil {
		s.apiHost = u.Host
	}

	s.syncer, err = syncer.New(syncer.Options{
		Scheduler:      sched,
		Catalog:        api,
		Projector:      proj,
		Store:          store,
		Tree:           tr,
		DownloadHeader: s.downloadHeader,
		Logger:         logger.Named("syncer"),
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.log.Info("session ready",
		zap.String("server", api.BaseURL()),
		zap.String("textures", proj.Root()),
		zap.String("cache", userCache))
	return s, nil
}

// downloadHeader sends the credential only to the API host; file links may
// point at a CDN that must not see it.
func (s *Session) downloadHeader(link string) http.Header {
	u, err := url.Parse(link)
	if err != nil || u.Host != s.apiHost {
		return nil
	}
	return s.client.AuthHeader()
}

// UserID returns the identifier the per-user cache is keyed on.
func (s *Session) UserID() string { return s.userID }

// CacheDir returns the per-user cache directory.
func (s *Session) CacheDir() string { return s.cacheDir }

// ThumbnailDir returns the directory holding every downloaded preview.
// Thumbnails are shared between users.
func (s *Session) ThumbnailDir() string { return cache.ThumbnailDir(s.cfg.CacheDir, "") }

// Client returns the API client.
func (s *Session) Client() *client.Client { return s.client }

// HTTPCache returns the metadata cache.
func (s *Session) HTTPCache() *httpcache.Cache { return s.httpCache }

// Projector returns the catalog projection.
func (s *Session) Projector() *projector.Projector { return s.projector }

// Scheduler returns the task scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

// EnsureSchedulerRunning starts the background tick loop if needed. Calling
// it repeatedly never starts a second loop.
func (s *Session) EnsureSchedulerRunning() bool {
	return s.driver.EnsureRunning()
}

// StartSync syncs a whole project and returns without blocking.
func (s *Session) StartSync(projectUUID string, opts syncer.RunOptions) *syncer.Run {
	return s.start(projectUUID, opts)
}

// SyncNode syncs the subtree below a node.
func (s *Session) SyncNode(nodeUUID string, opts syncer.RunOptions) *syncer.Run {
	return s.start(nodeUUID, opts)
}

func (s *Session) start(root string, opts syncer.RunOptions) *syncer.Run {
	r := s.syncer.Start(s.ctx, root, opts)
	s.EnsureSchedulerRunning()
	return r
}

// Cancel cancels a sync run. It reports whether the run was known.
func (s *Session) Cancel(runID string) bool {
	return s.syncer.Cancel(runID)
}

// Run returns a sync run by ID.
func (s *Session) Run(runID string) (*syncer.Run, bool) {
	return s.syncer.Run(runID)
}

// ResolveLocalPath returns the local file of an entity.
func (s *Session) ResolveLocalPath(uuid string) (string, bool) {
	return s.projector.ResolveLocalPath(uuid)
}

// ResolveUUID returns the entity projected at path.
func (s *Session) ResolveUUID(path string) (string, bool) {
	return s.projector.ResolveUUID(path)
}

// Thumbnail is one downloaded preview.
type Thumbnail struct {
	Node *models.Node
	File *models.File
	Path string
}

// FetchThumbnails downloads the previews of the texture nodes below nodeUUID.
// onLoaded runs on the tick goroutine once per thumbnail on disk. The
// returned task yields the number of thumbnails loaded; previews that fail
// are logged and skipped.
func (s *Session) FetchThumbnails(nodeUUID, size string, onLoaded func(Thumbnail)) *scheduler.Task {
	if size == "" {
		size = s.cfg.ThumbnailSize
	}
	log := s.log.With(zap.String("node", nodeUUID), zap.String("size", size))
	t := scheduler.NewTask(s.ctx, "thumbs:"+nodeUUID, func(ctx context.Context) scheduler.Step {
		return scheduler.AwaitFunc(func(ctx context.Context) ([]*models.Node, error) {
			return s.client.FindNodes(ctx, map[string]any{"parent": nodeUUID, "node_type": "texture"})
		}, func(nodes []*models.Node, err error) scheduler.Step {
			if err != nil {
				return scheduler.Fail(fmt.Errorf("list textures of %s: %w", nodeUUID, err))
			}
			memo := s.store.NewSession(s.sched)
			loaded := 0
			var children []*scheduler.Task
			for _, n := range nodes {
				child := scheduler.NewTask(ctx, "thumb:"+n.UUID, func(ctx context.Context) scheduler.Step {
					return s.thumbnail(ctx, memo, nodeUUID, n, size)
				})
				child.AddDoneCallback(func(t *scheduler.Task) {
					v, err := t.Result()
					if err != nil {
						if !errors.Is(err, scheduler.ErrCancelled) && ctx.Err() == nil {
							log.Warn("thumbnail failed", zap.String("texture", n.UUID), zap.Error(err))
						}
						return
					}
					if th, ok := v.(Thumbnail); ok {
						loaded++
						if onLoaded != nil {
							onLoaded(th)
						}
					}
				})
				children = append(children, s.sched.Submit(child))
			}
			return scheduler.AwaitTasks(children, func() scheduler.Step {
				log.Debug("thumbnails fetched", zap.Int("textures", len(nodes)), zap.Int("loaded", loaded))
				return scheduler.Return(loaded)
			})
		})
	})
	s.sched.Submit(t)
	s.EnsureSchedulerRunning()
	return t
}

// thumbnail downloads the preview of one texture node. A node without a
// picture of the requested size yields nil.
func (s *Session) thumbnail(ctx context.Context, memo *cache.Session, dirNode string, n *models.Node, size string) scheduler.Step {
	return scheduler.AwaitFunc(func(ctx context.Context) (*models.File, error) {
		return s.client.Picture(ctx, n)
	}, func(pic *models.File, err error) scheduler.Step {
		if err != nil {
			return scheduler.Fail(err)
		}
		if pic == nil {
			return scheduler.Return(nil)
		}
		link, ok := s.client.ThumbnailURL(pic, size)
		if !ok {
			return scheduler.Return(nil)
		}
		asset := cache.ThumbnailAsset(s.cfg.CacheDir, dirNode, pic.UUID, size, pic.Ext(), link)
		asset.Header = s.downloadHeader(link)
		return memo.Ensure(ctx, asset, func(_ cache.Outcome, err error) scheduler.Step {
			if err != nil {
				return scheduler.Fail(err)
			}
			return scheduler.Return(Thumbnail{Node: n, File: pic, Path: asset.Path})
		})
	})
}

// Close cancels every run and thumbnail fetch, waits for the tick loop to
// drain and releases the stores.
func (s *Session) Close() error {
	s.cancel()
	if s.driver.Running() {
		s.driver.Wait()
	}
	return errors.Join(s.projector.Close(), s.httpCache.Close())
}

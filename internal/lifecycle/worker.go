package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/logging"
	"github.com/offline-cache/offline-cache/internal/proxy"
	"github.com/offline-cache/offline-cache/internal/server"
	"github.com/offline-cache/offline-cache/internal/version"
)

// State 描述实例所处的生命周期阶段。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var (
	// ErrInvalidTransition 表示在错误的阶段调用了生命周期方法。
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrSeedFailed 表示预热资源获取失败，安装被中止。
	ErrSeedFailed = errors.New("seed asset fetch failed")
	// ErrStoreMissing 表示 Resume 时当前版本的缓存库不存在。
	ErrStoreMissing = errors.New("cache store missing")
)

// Options 描述 Worker 的依赖。
type Options struct {
	Site    *server.Site
	Storage cache.Storage
	Client  *http.Client
	Logger  *logrus.Logger
}

// Worker 是绑定单个缓存版本号的代理实例，依次经历 install -> activate，
// 被新版本取代后进入 redundant。
type Worker struct {
	site    *server.Site
	storage cache.Storage
	client  *http.Client
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	store       cache.Store
	handler     *proxy.Handler
	installedAt time.Time
	activatedAt time.Time
}

// NewWorker 创建处于 new 状态的实例，版本号取自 Site.CacheVersion。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Site == nil {
		return nil, errors.New("site is required")
	}
	if opts.Site.CacheVersion == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		site:    opts.Site,
		storage: opts.Storage,
		client:  client,
		logger:  logger,
		state:   StateNew,
	}, nil
}

// Version 返回实例绑定的缓存版本号。
func (w *Worker) Version() string {
	return w.site.CacheVersion
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Handler 返回安装完成后的请求处理器，安装前为 nil。
func (w *Worker) Handler() *proxy.Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handler
}

// Store 返回实例绑定的缓存库，安装前为 nil。
func (w *Worker) Store() cache.Store {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

// Install 打开当前版本的缓存库并写入预热资源。所有预热资源先并发获取，
// 全部成功（2xx）后才统一写入；任一失败则实例变为 redundant 并返回错误。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateNew, StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	logger := w.logger.WithFields(logging.LifecycleFields("install", w.Version(), string(StateInstalling)))

	existed, err := w.storage.Has(ctx, w.Version())
	if err != nil {
		return w.fail(logger, fmt.Errorf("inspect store %s: %w", w.Version(), err))
	}
	store, err := w.storage.Open(ctx, w.Version())
	if err != nil {
		return w.fail(logger, fmt.Errorf("open store %s: %w", w.Version(), err))
	}

	seeds, err := w.fetchSeeds(ctx)
	if err == nil {
		err = w.writeSeeds(ctx, store, seeds)
	}
	if err != nil {
		if !existed {
			if _, delErr := w.storage.Delete(context.Background(), w.Version()); delErr != nil {
				logger.WithError(delErr).Warn("install_cleanup_failed")
			}
		}
		return w.fail(logger, err)
	}

	if err := w.bind(store); err != nil {
		return w.fail(logger, err)
	}
	w.mu.Lock()
	w.installedAt = time.Now()
	w.state = StateActivating
	w.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"seeds":      len(seeds),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return nil
}

// Resume 直接接管磁盘上已存在的同版本缓存库，跳过预热。用于进程重启：
// 版本号未变化时无需重新安装，离线时也能继续提供缓存。
func (w *Worker) Resume(ctx context.Context) error {
	if err := w.transition(StateNew, StateInstalling); err != nil {
		return err
	}
	logger := w.logger.WithFields(logging.LifecycleFields("resume", w.Version(), string(StateInstalling)))

	exists, err := w.storage.Has(ctx, w.Version())
	if err != nil {
		return w.fail(logger, fmt.Errorf("inspect store %s: %w", w.Version(), err))
	}
	if !exists {
		w.setState(StateNew)
		return fmt.Errorf("%w: %s", ErrStoreMissing, w.Version())
	}
	store, err := w.storage.Open(ctx, w.Version())
	if err != nil {
		return w.fail(logger, fmt.Errorf("open store %s: %w", w.Version(), err))
	}
	if err := w.bind(store); err != nil {
		return w.fail(logger, err)
	}
	w.mu.Lock()
	w.installedAt = time.Now()
	w.state = StateActivating
	w.mu.Unlock()

	logger.Info("resume_complete")
	return nil
}

// Activate 删除所有与当前版本号不同的缓存库，随后进入 active。
// 删除失败只记录日志，不阻止激活。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateActivating); err != nil {
		return err
	}
	logger := w.logger.WithFields(logging.LifecycleFields("activate", w.Version(), string(StateActivating)))

	names, err := w.storage.Keys(ctx)
	if err != nil {
		logger.WithError(err).Warn("list_stores_failed")
	}
	var removed []string
	for _, name := range names {
		if name == w.Version() {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			logger.WithError(err).WithField("store", name).Warn("delete_store_failed")
			continue
		}
		removed = append(removed, name)
	}

	w.mu.Lock()
	w.activatedAt = time.Now()
	w.state = StateActive
	w.mu.Unlock()

	logger.WithField("removed_stores", removed).Info("activate_complete")
	return nil
}

// Retire 将被取代的实例标记为 redundant。进行中的请求继续使用其捕获的缓存库句柄。
func (w *Worker) Retire() {
	w.setState(StateRedundant)
	w.logger.WithFields(logging.LifecycleFields("retire", w.Version(), string(StateRedundant))).Info("worker_retired")
}

// Wait 等待后台刷新全部结束。
func (w *Worker) Wait() {
	if handler := w.Handler(); handler != nil {
		handler.Wait()
	}
}

type seedResponse struct {
	url  *url.URL
	meta cache.ResponseMeta
	body []byte
}

func (w *Worker) fetchSeeds(ctx context.Context) ([]seedResponse, error) {
	results := make([]seedResponse, len(w.site.SeedURLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range w.site.SeedURLs {
		i, target := i, target
		g.Go(func() error {
			seed, err := w.fetchSeed(gctx, target)
			if err != nil {
				return err
			}
			results[i] = seed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (w *Worker) fetchSeed(ctx context.Context, target *url.URL) (seedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return seedResponse{}, fmt.Errorf("%w: %s: %v", ErrSeedFailed, target, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := w.client.Do(req)
	if err != nil {
		return seedResponse{}, fmt.Errorf("%w: %s: %v", ErrSeedFailed, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return seedResponse{}, fmt.Errorf("%w: %s returned %d", ErrSeedFailed, target, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return seedResponse{}, fmt.Errorf("%w: %s: %v", ErrSeedFailed, target, err)
	}
	return seedResponse{
		url: target,
		meta: cache.ResponseMeta{
			Status: resp.StatusCode,
			Header: server.StorableHeaders(resp.Header),
		},
		body: body,
	}, nil
}

func (w *Worker) writeSeeds(ctx context.Context, store cache.Store, seeds []seedResponse) error {
	for _, seed := range seeds {
		key := cache.Key{Method: http.MethodGet, URL: seed.url.String()}
		if _, err := store.Put(ctx, key, seed.meta, bytes.NewReader(seed.body)); err != nil {
			return fmt.Errorf("store seed %s: %w", seed.url, err)
		}
	}
	return nil
}

func (w *Worker) bind(store cache.Store) error {
	handler, err := proxy.NewHandler(proxy.Options{
		Client: w.client,
		Logger: w.logger,
		Site:   w.site,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	w.mu.Lock()
	w.store = store
	w.handler = handler
	w.mu.Unlock()
	return nil
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) fail(logger *logrus.Entry, err error) error {
	w.setState(StateRedundant)
	logger.WithError(err).Error("install_failed")
	return err
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/logging"
	"github.com/offline-cache/offline-cache/internal/server"
)

// Controller 扮演拦截宿主：串行驱动 install -> activate -> claim，
// 并把请求交给当前 active 实例。
type Controller struct {
	storage cache.Storage
	logger  *logrus.Logger

	deployMu sync.Mutex
	active   atomic.Pointer[Worker]
}

// NewController 创建尚无 active 实例的控制器。
func NewController(storage cache.Storage, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{storage: storage, logger: logger}
}

// Deploy 安装并激活 worker，成功后原子切换为 active 实例，后续请求无需重启即由其处理。
// 安装失败时原 active 实例继续生效。
func (c *Controller) Deploy(ctx context.Context, w *Worker) error {
	return c.deploy(ctx, w, w.Install)
}

// Restore 用于进程启动：磁盘上已有同版本缓存库时直接接管，否则按 Deploy 完整安装。
func (c *Controller) Restore(ctx context.Context, w *Worker) error {
	return c.deploy(ctx, w, func(ctx context.Context) error {
		err := w.Resume(ctx)
		if errors.Is(err, ErrStoreMissing) {
			return w.Install(ctx)
		}
		return err
	})
}

func (c *Controller) deploy(ctx context.Context, w *Worker, install func(context.Context) error) error {
	if w == nil {
		return errors.New("worker is required")
	}
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	if err := install(ctx); err != nil {
		return fmt.Errorf("install %s: %w", w.Version(), err)
	}
	if err := w.Activate(ctx); err != nil {
		w.Retire()
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	c.claim(w)
	return nil
}

// claim 切换 active 实例并淘汰旧实例。
func (c *Controller) claim(w *Worker) {
	previous := c.active.Swap(w)
	fields := logging.LifecycleFields("claim", w.Version(), string(w.State()))
	if previous != nil && previous != w {
		previous.Retire()
		fields["previous_version"] = previous.Version()
	}
	c.logger.WithFields(fields).Info("worker_claimed")
}

// Active 返回当前 active 实例，尚未部署成功时为 nil。
func (c *Controller) Active() *Worker {
	return c.active.Load()
}

// ActiveHandler 实现 proxy.HandlerSource。
func (c *Controller) ActiveHandler() (server.ProxyHandler, bool) {
	w := c.active.Load()
	if w == nil {
		return nil, false
	}
	handler := w.Handler()
	if handler == nil {
		return nil, false
	}
	return handler, true
}

// Wait 等待 active 实例的后台刷新结束，用于优雅退出。
func (c *Controller) Wait() {
	if w := c.active.Load(); w != nil {
		w.Wait()
	}
}

// Status 汇总当前实例与磁盘缓存库的状态，供诊断接口使用。
type Status struct {
	Version     string    `json:"version,omitempty"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	Stores      []string  `json:"stores"`
	Entries     int       `json:"entries"`
}

// Status 返回当前状态快照。
func (c *Controller) Status(ctx context.Context) (Status, error) {
	status := Status{State: StateNew, Stores: []string{}}

	stores, err := c.storage.Keys(ctx)
	if err != nil {
		return status, fmt.Errorf("list stores: %w", err)
	}
	status.Stores = stores

	w := c.active.Load()
	if w == nil {
		return status, nil
	}
	w.mu.RLock()
	status.Version = w.site.CacheVersion
	status.State = w.state
	status.InstalledAt = w.installedAt
	status.ActivatedAt = w.activatedAt
	store := w.store
	w.mu.RUnlock()

	if store != nil {
		keys, err := store.Keys(ctx)
		if err != nil {
			return status, fmt.Errorf("list entries: %w", err)
		}
		status.Entries = len(keys)
	}
	return status, nil
}

// Entries 返回 active 实例缓存库中的全部条目，尚无 active 实例时为空。
func (c *Controller) Entries(ctx context.Context) ([]cache.Key, error) {
	w := c.active.Load()
	if w == nil {
		return nil, nil
	}
	store := w.Store()
	if store == nil {
		return nil, nil
	}
	return store.Keys(ctx)
}

package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/config"
	"github.com/offline-cache/offline-cache/internal/lifecycle"
	"github.com/offline-cache/offline-cache/internal/logging"
	"github.com/offline-cache/offline-cache/internal/server"
)

// deployer 根据配置构建实例并交给控制器部署；配置文件中 CacheVersion 变化时热替换。
type deployer struct {
	controller *lifecycle.Controller
	storage    cache.Storage
	client     *http.Client
	logger     *logrus.Logger
	configPath string
}

// start 在进程启动时调用：同版本缓存库已存在时直接接管。
func (d *deployer) start(ctx context.Context, cfg *config.Config) error {
	worker, err := d.newWorker(cfg)
	if err != nil {
		return err
	}
	return d.controller.Restore(ctx, worker)
}

// reload 是 config.Watch 的回调，仅在版本号变化（或尚无 active 实例）时部署新实例。
func (d *deployer) reload(cfg *config.Config) {
	fields := logging.BaseFields("reload", d.configPath)
	fields["cache_version"] = cfg.Site.CacheVersion

	if active := d.controller.Active(); active != nil && active.Version() == cfg.Site.CacheVersion {
		d.logger.WithFields(fields).Info("缓存版本未变化，忽略配置变更")
		return
	}

	worker, err := d.newWorker(cfg)
	if err != nil {
		d.logger.WithFields(fields).WithError(err).Error("构建实例失败")
		return
	}
	if err := d.controller.Deploy(context.Background(), worker); err != nil {
		d.logger.WithFields(fields).WithError(err).Error("新版本部署失败，保留当前实例")
		return
	}
	d.logger.WithFields(fields).Info("新版本已接管")
}

func (d *deployer) reloadFailed(err error) {
	d.logger.WithFields(logging.BaseFields("reload", d.configPath)).
		WithError(err).Warn("配置重载失败，沿用旧配置")
}

func (d *deployer) newWorker(cfg *config.Config) (*lifecycle.Worker, error) {
	site, err := server.NewSite(cfg)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewWorker(lifecycle.Options{
		Site:    site,
		Storage: d.storage,
		Client:  d.client,
		Logger:  d.logger,
	})
}

package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/config"
	"github.com/offline-cache/offline-cache/internal/proxy"
	"github.com/offline-cache/offline-cache/internal/server"
)

type siteOrigin struct {
	mu       sync.Mutex
	statuses map[string]int
	server   *httptest.Server
}

func newSiteOrigin(t *testing.T) *siteOrigin {
	t.Helper()
	o := &siteOrigin{statuses: map[string]int{}}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		status := o.statuses[r.URL.Path]
		o.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "content of "+r.URL.Path)
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *siteOrigin) fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[path] = status
}

type lifecycleEnv struct {
	storage cache.Storage
	root    string
	logger  *logrus.Logger
	origin  *siteOrigin
}

func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()
	root := t.TempDir()
	storage, err := cache.NewStorage(root)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &lifecycleEnv{storage: storage, root: root, logger: logger, origin: newSiteOrigin(t)}
}

func (e *lifecycleEnv) site(t *testing.T, version string) *server.Site {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoragePath: e.root},
		Site: config.SiteConfig{
			Origin:           e.origin.server.URL + "/",
			CacheVersion:     version,
			SeedAssets:       config.DefaultSeedAssets(),
			FallbackDocument: "./index.html",
		},
	}
	site, err := server.NewSite(cfg)
	if err != nil {
		t.Fatalf("new site: %v", err)
	}
	return site
}

func (e *lifecycleEnv) worker(t *testing.T, version string) *Worker {
	t.Helper()
	w, err := NewWorker(Options{
		Site:    e.site(t, version),
		Storage: e.storage,
		Client:  e.origin.server.Client(),
		Logger:  e.logger,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func (e *lifecycleEnv) storeNames(t *testing.T) []string {
	t.Helper()
	names, err := e.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("list stores: %v", err)
	}
	return names
}

func storeURLs(t *testing.T, store cache.Store) []string {
	t.Helper()
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, key.URL)
	}
	sort.Strings(urls)
	return urls
}

func TestInstallSeedsExactlyConfiguredAssets(t *testing.T) {
	env := newLifecycleEnv(t)
	w := env.worker(t, "site-v1")

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if w.State() != StateActivating {
		t.Fatalf("expected activating after install, got %s", w.State())
	}

	base := env.origin.server.URL
	want := []string{base + "/", base + "/index.html", base + "/manifest.json"}
	sort.Strings(want)
	if got := storeURLs(t, w.Store()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected seed entries %v, got %v", want, got)
	}

	resp, err := w.Store().Match(context.Background(), cache.Key{Method: http.MethodGet, URL: base + "/index.html"})
	if err != nil {
		t.Fatalf("match seed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "content of /index.html" {
		t.Fatalf("unexpected seed body %q", string(body))
	}
}

func TestInstallTwiceIsRejected(t *testing.T) {
	env := newLifecycleEnv(t)
	w := env.worker(t, "site-v1")
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestActivateBeforeInstallIsRejected(t *testing.T) {
	env := newLifecycleEnv(t)
	w := env.worker(t, "site-v1")
	if err := w.Activate(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestActivateRemovesOtherStores(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	for _, name := range []string{"site-v0", "unrelated"} {
		store, err := env.storage.Open(ctx, name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		key := cache.Key{Method: http.MethodGet, URL: "https://old.example/app.js"}
		if _, err := store.Put(ctx, key, cache.ResponseMeta{Status: http.StatusOK}, strings.NewReader("old")); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	controller := NewController(env.storage, env.logger)
	w := env.worker(t, "site-v1")
	if err := controller.Deploy(ctx, w); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if w.State() != StateActive {
		t.Fatalf("expected active worker, got %s", w.State())
	}
	if got := env.storeNames(t); !reflect.DeepEqual(got, []string{"site-v1"}) {
		t.Fatalf("expected only current store to remain, got %v", got)
	}
}

func TestActivateKeepsForeignDirectories(t *testing.T) {
	env := newLifecycleEnv(t)
	backup := filepath.Join(env.root, "backups", "important.tar")
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(backup, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	controller := NewController(env.storage, env.logger)
	if err := controller.Deploy(context.Background(), env.worker(t, "site-v1")); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("activation must not remove directories it did not create: %v", err)
	}
	if got := env.storeNames(t); !reflect.DeepEqual(got, []string{"site-v1"}) {
		t.Fatalf("unexpected stores %v", got)
	}
}

func TestDeploySupersedesPreviousVersion(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	controller := NewController(env.storage, env.logger)

	first := env.worker(t, "site-v1")
	if err := controller.Deploy(ctx, first); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	oldStore := first.Store()

	second := env.worker(t, "site-v2")
	if err := controller.Deploy(ctx, second); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}

	if controller.Active() != second {
		t.Fatalf("expected v2 to be active")
	}
	if first.State() != StateRedundant {
		t.Fatalf("expected v1 to be redundant, got %s", first.State())
	}
	if got := env.storeNames(t); !reflect.DeepEqual(got, []string{"site-v2"}) {
		t.Fatalf("expected v1 store to be deleted, got %v", got)
	}

	key := cache.Key{Method: http.MethodGet, URL: env.origin.server.URL + "/late.js"}
	if _, err := oldStore.Put(ctx, key, cache.ResponseMeta{Status: http.StatusOK}, strings.NewReader("late")); !errors.Is(err, cache.ErrStoreDeleted) {
		t.Fatalf("late write to superseded store must fail, got %v", err)
	}
	if got := env.storeNames(t); !reflect.DeepEqual(got, []string{"site-v2"}) {
		t.Fatalf("late write must not resurrect v1, got %v", got)
	}
}

func TestInstallFailureKeepsPreviousWorker(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	controller := NewController(env.storage, env.logger)

	first := env.worker(t, "site-v1")
	if err := controller.Deploy(ctx, first); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}

	env.origin.fail("/manifest.json", http.StatusNotFound)
	second := env.worker(t, "site-v2")
	err := controller.Deploy(ctx, second)
	if !errors.Is(err, ErrSeedFailed) {
		t.Fatalf("expected ErrSeedFailed, got %v", err)
	}
	if second.State() != StateRedundant {
		t.Fatalf("failed worker must be redundant, got %s", second.State())
	}
	if controller.Active() != first || first.State() != StateActive {
		t.Fatalf("previous worker must stay in control")
	}
	if got := env.storeNames(t); !reflect.DeepEqual(got, []string{"site-v1"}) {
		t.Fatalf("failed install must leave no store behind, got %v", got)
	}
	if got := storeURLs(t, first.Store()); len(got) != 3 {
		t.Fatalf("previous store must be untouched, got %v", got)
	}
}

func TestInstallFailureWithoutPreviousWorker(t *testing.T) {
	env := newLifecycleEnv(t)
	env.origin.server.Close()

	controller := NewController(env.storage, env.logger)
	if err := controller.Deploy(context.Background(), env.worker(t, "site-v1")); !errors.Is(err, ErrSeedFailed) {
		t.Fatalf("expected ErrSeedFailed, got %v", err)
	}
	if controller.Active() != nil {
		t.Fatalf("no worker should be active")
	}
	if _, ok := controller.ActiveHandler(); ok {
		t.Fatalf("ActiveHandler must report no handler")
	}
}

func TestRestoreResumesExistingStoreOffline(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()

	if err := NewController(env.storage, env.logger).Deploy(ctx, env.worker(t, "site-v1")); err != nil {
		t.Fatalf("initial deploy: %v", err)
	}
	env.origin.server.Close()

	restarted := NewController(env.storage, env.logger)
	w := env.worker(t, "site-v1")
	if err := restarted.Restore(ctx, w); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if w.State() != StateActive {
		t.Fatalf("expected restored worker to be active, got %s", w.State())
	}
	if got := storeURLs(t, w.Store()); len(got) != 3 {
		t.Fatalf("expected restored store to keep seeds, got %v", got)
	}
}

func TestRestoreInstallsWhenStoreMissing(t *testing.T) {
	env := newLifecycleEnv(t)
	controller := NewController(env.storage, env.logger)
	w := env.worker(t, "site-v1")
	if err := controller.Restore(context.Background(), w); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if got := storeURLs(t, w.Store()); len(got) != 3 {
		t.Fatalf("expected fresh install, got %v", got)
	}
}

func TestControllerStatus(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	controller := NewController(env.storage, env.logger)

	status, err := controller.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != StateNew || status.Version != "" {
		t.Fatalf("unexpected idle status %+v", status)
	}

	if err := controller.Deploy(ctx, env.worker(t, "site-v1")); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	status, err = controller.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != "site-v1" || status.State != StateActive {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", status.Entries)
	}
	if !reflect.DeepEqual(status.Stores, []string{"site-v1"}) {
		t.Fatalf("unexpected stores %v", status.Stores)
	}
	if status.ActivatedAt.IsZero() || status.InstalledAt.IsZero() {
		t.Fatalf("expected lifecycle timestamps")
	}
}

func TestForwarderUsesClaimedWorker(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	controller := NewController(env.storage, env.logger)

	passthrough, err := proxy.NewHandler(proxy.Options{
		Client: env.origin.server.Client(),
		Logger: env.logger,
		Site:   env.site(t, "site-v1"),
	})
	if err != nil {
		t.Fatalf("passthrough handler: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     env.logger,
		Proxy:      proxy.NewForwarder(controller, passthrough, env.logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Shutdown()

	request := func() *http.Response {
		req := httptest.NewRequest(http.MethodGet, "http://offline.local/manifest.json", nil)
		req.Header.Set("Accept", "application/manifest+json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	if resp := request(); resp.Header.Get(proxy.HeaderStrategy) != string(proxy.StrategyNetworkOnly) {
		t.Fatalf("expected passthrough before deploy, got %q", resp.Header.Get(proxy.HeaderStrategy))
	}

	if err := controller.Deploy(ctx, env.worker(t, "site-v1")); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	resp := request()
	if resp.Header.Get(proxy.HeaderCacheHit) != "true" {
		t.Fatalf("expected seeded manifest to be served from cache")
	}
	if resp.Header.Get(proxy.HeaderCacheVersion) != "site-v1" {
		t.Fatalf("unexpected version %q", resp.Header.Get(proxy.HeaderCacheVersion))
	}
	controller.Wait()
}

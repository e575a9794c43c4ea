package routes

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/lifecycle"
	"github.com/offline-cache/offline-cache/internal/version"
)

// StatusSource 提供生命周期状态与当前缓存库条目，通常由 lifecycle.Controller 实现。
type StatusSource interface {
	Status(ctx context.Context) (lifecycle.Status, error)
	Entries(ctx context.Context) ([]cache.Key, error)
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维查询当前缓存版本与条目。
func RegisterStatusRoutes(app *fiber.App, source StatusSource, origin string) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := source.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(encodeStatus(status, origin))
	})

	app.Get("/-/status/entries", func(c fiber.Ctx) error {
		keys, err := source.Entries(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entries_unavailable"})
		}
		return c.JSON(fiber.Map{"entries": encodeEntries(keys)})
	})
}

type statusPayload struct {
	Build       string   `json:"build"`
	Origin      string   `json:"origin"`
	Version     string   `json:"cache_version"`
	State       string   `json:"state"`
	InstalledAt string   `json:"installed_at,omitempty"`
	ActivatedAt string   `json:"activated_at,omitempty"`
	Stores      []string `json:"stores"`
	Entries     int      `json:"entries"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeStatus(status lifecycle.Status, origin string) statusPayload {
	stores := append([]string(nil), status.Stores...)
	if stores == nil {
		stores = []string{}
	}
	sort.Strings(stores)
	return statusPayload{
		Build:       version.Full(),
		Origin:      origin,
		Version:     status.Version,
		State:       string(status.State),
		InstalledAt: formatTime(status.InstalledAt),
		ActivatedAt: formatTime(status.ActivatedAt),
		Stores:      stores,
		Entries:     status.Entries,
	}
}

func encodeEntries(keys []cache.Key) []entryPayload {
	result := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, entryPayload{Method: key.Method, URL: key.URL})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].URL < result[j].URL
	})
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

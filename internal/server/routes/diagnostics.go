package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/onlyflans/onlyflans-sw/internal/metrics"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
	"github.com/onlyflans/onlyflans-sw/internal/server"
	"github.com/onlyflans/onlyflans-sw/internal/worker"
)

// WorkerView 是诊断接口依赖的 worker 能力子集，测试中可替换。
type WorkerView interface {
	Status() worker.Status
	Partitions(ctx context.Context) ([]partition.PartitionInfo, error)
	Sync(ctx context.Context, tag string) error
}

// RegisterDiagnosticsRoutes 暴露 /-/worker、/-/partitions、/-/sync/:tag 与 /-/metrics，
// 供运维查询生命周期状态、分区清单并手动触发后台同步。
func RegisterDiagnosticsRoutes(app *fiber.App, w WorkerView, registry *server.HostRegistry, m *metrics.Metrics) {
	if app == nil || w == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(workerPayload{
			Status: w.Status(),
			Hosts:  encodeHosts(registry.List()),
		})
	})

	app.Get("/-/partitions", func(c fiber.Ctx) error {
		infos, err := w.Partitions(c.Context())
		if err != nil {
			if errors.Is(err, worker.ErrNotActivated) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_activated"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partition_list_failed"})
		}
		if infos == nil {
			infos = []partition.PartitionInfo{}
		}
		return c.JSON(fiber.Map{"partitions": infos})
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		if err := w.Sync(c.Context(), tag); err != nil {
			switch {
			case errors.Is(err, worker.ErrUnknownSyncTag):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag", "tag": tag})
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "sync_timeout", "tag": tag})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed", "tag": tag})
			}
		}
		return c.JSON(fiber.Map{"tag": tag, "status": "synced"})
	})

	if m != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}

type workerPayload struct {
	worker.Status
	Hosts []hostPayload `json:"hosts"`
}

type hostPayload struct {
	Host        string `json:"host"`
	Kind        string `json:"kind"`
	Port        int    `json:"port"`
	Intercepted bool   `json:"intercepted"`
}

func encodeHosts(routes []server.HostRoute) []hostPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]hostPayload, 0, len(routes))
	for i := range routes {
		route := routes[i]
		result = append(result, hostPayload{
			Host:        route.Host,
			Kind:        string(route.Kind),
			Port:        route.ListenPort,
			Intercepted: route.Intercepted(),
		})
	}
	return result
}

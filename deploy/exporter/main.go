// Command exporter publishes container metadata for the compose stack as
// Prometheus gauges, so dashboards can join sync metrics to the service
// and image that produced them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var containerInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "container_meta_info",
		Help: "Static metadata for each container in the stack.",
	},
	[]string{"id", "name", "image", "com_docker_compose_service", "state", "full_id"},
)

func pollOnce(ctx context.Context, cli *client.Client) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		slog.Error("container list failed", slog.Any("error", err))
		return
	}

	// Reset before repopulating so removed containers drop out.
	containerInfo.Reset()
	for _, c := range containers {
		shortID := c.ID
		if len(shortID) > 12 {
			shortID = shortID[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		service := c.Labels["com.docker.compose.service"]
		if service == "" {
			service = name
		}
		containerInfo.WithLabelValues(shortID, name, c.Image, service, c.State, c.ID).Set(1)
	}
}

func main() {
	prometheus.MustRegister(containerInfo)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = cli.Close() }()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			pollOnce(ctx, cli)
			cancel()
			<-ticker.C
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":8000", ReadHeaderTimeout: 10 * time.Second}
	slog.Info("container meta exporter listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("exporter server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

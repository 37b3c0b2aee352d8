// Package server 提供探针与 Prometheus 指标的 HTTP 服务
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ready 返回当前是否可以对外服务，/readyz 使用
type Ready func() bool

func NewMux(ready Ready) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

// StartMetricsServer 在 addr 上监听并在后台提供服务
func StartMetricsServer(addr string, ready Ready) (*MetricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &MetricsServer{
		server: &http.Server{
			Handler:           NewMux(ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server stopped: %v", err)
		}
	}()
	logger.InfoF("Probes and metrics listening on %s", listener.Addr())
	return s, nil
}

func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Invoke 实现 event.Callable，进程退出时关闭
func (s *MetricsServer) Invoke(ctx context.Context) error {
	logger.Info("Shutting down metrics server")
	return s.server.Shutdown(ctx)
}

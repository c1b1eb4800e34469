// Package metrics 提供 Prometheus helper，包含 HTTP 与借贷业务指标模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/merchantcap/lending/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数（按方法/路径/状态码）
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// 业务指标
	LoansCreatedTotal     prometheus.Counter
	LoansActive           prometheus.Gauge
	PaymentsRecordedTotal prometheus.Counter
	LiquidationsTotal     *prometheus.CounterVec
	LiquidationAmount     prometheus.Histogram
	OutboxPendingMessages prometheus.Gauge
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		LoansCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "loans_created_total",
			Help:      "Total loans created",
		}),
		LoansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "loans_active",
			Help:      "Number of active loans",
		}),
		PaymentsRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "payments_recorded_total",
			Help:      "Total installment payments recorded",
		}),
		LiquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "liquidations_total",
			Help:      "Total liquidations executed",
		}, []string{"kind"}), // kind: full, partial
		LiquidationAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "liquidation_amount",
			Help:      "Liquidation amount distribution in currency units",
			Buckets:   []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000},
		}),
		OutboxPendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lending",
			Subsystem: serviceName,
			Name:      "outbox_pending_messages",
			Help:      "Number of outbox messages waiting for relay",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueryDuration,
		m.LoansCreatedTotal,
		m.LoansActive,
		m.PaymentsRecordedTotal,
		m.LiquidationsTotal,
		m.LiquidationAmount,
		m.OutboxPendingMessages,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "failed to register metric", "error", err)
			return err
		}
	}
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "metrics server stopped", "error", err)
		}
	}()
}

package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterTelemetryRoutes 注册心跳上报与快速状态查询路由
func (r *Router) RegisterTelemetryRoutes(ih *IngestHandler, sh *StatusHandler) {
	r.Handle("/data/api/v1/telemetry/heartbeats", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ih.PostHeartbeat(w, req)
	})

	r.Handle("/data/api/v1/telemetry/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sh.ListStatus(w, req)
	})

	// status/{device_id}
	r.Handle("/data/api/v1/telemetry/status/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, "/data/api/v1/telemetry/status/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sh.GetStatus(w, req, id)
	})
}

// RegisterDispatchRoutes 注册下发台账路由
func (r *Router) RegisterDispatchRoutes(dh *DispatchHandler) {
	r.Handle("/data/api/v1/dispatches", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		dh.RecordDispatch(w, req)
	})

	// dispatches/{request_id} 与 dispatches/{request_id}/outcome
	r.Handle("/data/api/v1/dispatches/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/data/api/v1/dispatches/")
		if rest == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if id, ok := strings.CutSuffix(rest, "/outcome"); ok {
			if id == "" || strings.Contains(id, "/") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			dh.UpdateOutcome(w, req, id)
			return
		}
		if strings.Contains(rest, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		dh.GetRecord(w, req, rest)
	})
}

// RegisterOpsRoutes 注册运维路由（分区目录、作业触发、锁回收）
func (r *Router) RegisterOpsRoutes(oh *OpsHandler) {
	r.Handle("/data/api/v1/ops/partitions", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		oh.ListPartitions(w, req)
	})

	r.Handle("/data/api/v1/ops/partitions/export", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		oh.ExportPartitions(w, req)
	})

	r.Handle("/data/api/v1/ops/maintenance/run", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		oh.RunMaintenance(w, req)
	})

	r.Handle("/data/api/v1/ops/reconcile/run", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		oh.RunReconciliation(w, req)
	})

	r.Handle("/data/api/v1/ops/locks/force-release", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		oh.ForceReleaseLock(w, req)
	})
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Package httpserver 提供各收集模式的表单页面、JSON 接口以及运维端点
package httpserver

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/collector"
	"GoInspectorLens/internal/logger"
)

//go:embed templates/*.html examples/*
var assets embed.FS

// maxBodySize 请求体上限
const maxBodySize = 1 << 20

// Collector 执行一次收集
type Collector interface {
	Collect(ctx context.Context, req *collector.Request) (*collector.Result, error)
}

// Options 服务器选项
type Options struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	CORSOrigins    []string

	// Render 每个请求调用一次，配置热更新后立即生效
	Render func() annotate.Options
	// Stream 非空时开放 /ws/logs
	Stream  *logger.Stream
	Logger  *slog.Logger
	Version string
}

// APIResponse API 响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// CollectResponse /api/v1/collect 的数据部分
type CollectResponse struct {
	*collector.Result
	Rendered Rendered `json:"rendered"`
}

// Server HTTP 服务器
type Server struct {
	router    *mux.Router
	server    *http.Server
	collector Collector
	opts      Options
	page      *template.Template
	startTime time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// New 创建 HTTP 服务器
func New(coll Collector, opts Options) *Server {
	if opts.Render == nil {
		opts.Render = annotate.DefaultOptions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		router:    mux.NewRouter(),
		collector: coll,
		opts:      opts,
		page:      template.Must(template.ParseFS(assets, "templates/page.html")),
		startTime: time.Now(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.Handle("/", http.RedirectHandler("/"+string(collector.ModeCoverage), http.StatusFound)).Methods(http.MethodGet)
	s.router.HandleFunc("/{mode:coverage|typeprofile|evaluate}", s.pageHandler).Methods(http.MethodGet, http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/collect", s.collectHandler).Methods(http.MethodPost)
	api.HandleFunc("/examples/{mode}", s.exampleHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.opts.Stream != nil {
		s.router.HandleFunc("/ws/logs", s.opts.Stream.HandleWebSocket)
	}
}

// Handler 返回完整的处理链，测试中直接使用
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// pageView 页面模板数据
type pageView struct {
	Mode            collector.Mode
	Modes           []collector.Mode
	Script          string
	Count           bool
	Detailed        bool
	Expression      string
	AllowSideEffect bool
	Result          template.HTML
	Console         template.HTML
}

// pageHandler GET 显示示例脚本，POST 执行收集并渲染结果
func (s *Server) pageHandler(w http.ResponseWriter, r *http.Request) {
	mode := collector.Mode(mux.Vars(r)["mode"])
	view := pageView{Mode: mode, Modes: collector.Modes()}

	if r.Method == http.MethodGet {
		view.Script, view.Expression = example(mode)
		view.AllowSideEffect = true
		s.writePage(w, r, http.StatusOK, view)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		s.errorCount.Add(1)
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	view.Script = r.PostFormValue("script")
	view.Count = r.PostFormValue("count") == "yes"
	view.Detailed = r.PostFormValue("detailed") == "yes"
	view.Expression = r.PostFormValue("eval")
	view.AllowSideEffect = r.PostFormValue("allow") == "yes"

	req := &collector.Request{
		Source:          view.Script,
		Mode:            mode,
		CallCount:       view.Count,
		Detailed:        view.Detailed,
		Expression:      view.Expression,
		AllowSideEffect: view.AllowSideEffect,
	}
	res, err := s.collect(r.Context(), req)
	rendered := Render(req, res, err, s.opts.Render())
	view.Result = template.HTML(rendered.Result)
	view.Console = template.HTML(rendered.Console)

	// 采集失败也正常渲染页面，错误显示在日志区
	s.writePage(w, r, http.StatusOK, view)
}

// collectHandler JSON 接口
func (s *Server) collectHandler(w http.ResponseWriter, r *http.Request) {
	var req collector.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body", nil)
		return
	}

	res, err := s.collect(r.Context(), &req)
	rendered := Render(&req, res, err, s.opts.Render())
	switch {
	case err == nil:
		s.writeSuccessResponse(w, CollectResponse{Result: res, Rendered: rendered})
	case isValidation(err):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	default:
		var data interface{}
		if res != nil {
			data = CollectResponse{Result: res, Rendered: rendered}
		}
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, "collection_failed", collector.Message(err), data)
	}
}

// exampleHandler 返回模式的示例脚本
func (s *Server) exampleHandler(w http.ResponseWriter, r *http.Request) {
	mode, err := collector.ParseMode(mux.Vars(r)["mode"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "unknown_mode", err.Error(), nil)
		return
	}
	script, expr := example(mode)
	s.writeSuccessResponse(w, map[string]string{"mode": string(mode), "source": script, "expression": expr})
}

// collect 在请求超时内执行收集
func (s *Server) collect(ctx context.Context, req *collector.Request) (*collector.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	res, err := s.collector.Collect(ctx, req)
	if err != nil {
		s.errorCount.Add(1)
	}
	return res, err
}

func isValidation(err error) bool {
	return errors.Is(err, collector.ErrEmptySource) ||
		errors.Is(err, collector.ErrUnknownMode) ||
		errors.Is(err, collector.ErrMissingExpression)
}

// example 读取内嵌的示例脚本和表达式
func example(mode collector.Mode) (script, expression string) {
	if data, err := assets.ReadFile("examples/" + string(mode) + ".js"); err == nil {
		script = string(data)
	}
	if data, err := assets.ReadFile("examples/" + string(mode) + ".expr"); err == nil {
		expression = strings.TrimSpace(string(data))
	}
	return script, expression
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, status int, view pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, view); err != nil {
		logger.FromContext(r.Context()).Error("render page failed", "error", err)
	}
}

// 健康检查
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"version":   s.opts.Version,
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.GetStats())
}

// 辅助方法
func (s *Server) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, data interface{}) {
	response := APIResponse{
		Success:   false,
		Data:      data,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Serve 在 listener 上提供服务，直到 Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.opts.Logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe 监听配置的地址并提供服务
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown 停止服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.opts.Logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
	}
	if s.opts.Stream != nil {
		stats["log_viewers"] = s.opts.Stream.Clients()
	}
	return stats
}

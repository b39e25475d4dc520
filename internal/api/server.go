package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"AgentFlow-Chain/internal/observability/metrics"
	"AgentFlow-Chain/internal/payment"
	"AgentFlow-Chain/internal/pipeline"
	"AgentFlow-Chain/internal/web3"
	"AgentFlow-Chain/internal/workflow"
)

// Server 负责暴露 REST 接口，供外部提交工作流并轮询执行进度。
type Server struct {
	addr    string
	service *pipeline.Service
	guard   *payment.Guard
	chain   web3.Client
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *pipeline.Service, guard *payment.Guard, chain web3.Client) *Server {
	return &Server{addr: addr, service: service, guard: guard, chain: chain}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute-pipeline", instrument("execute_pipeline", s.handleExecutePipeline))
	mux.HandleFunc("/pipeline/", instrument("pipeline_detail", s.handlePipelineDetail))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// executeRequest 是 POST /execute-pipeline 的请求体。
type executeRequest struct {
	Workflow        *workflow.Workflow `json:"workflow"`
	TaskDescription string             `json:"taskDescription"`
}

// executeResponse 是接纳成功后的响应体。
type executeResponse struct {
	Success       bool   `json:"success"`
	TaskID        string `json:"taskId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	TotalSteps    int    `json:"totalSteps"`
	EstimatedCost string `json:"estimatedCost"`
}

// paymentRequiredResponse 是 402 的响应体。
type paymentRequiredResponse struct {
	Error          string             `json:"error"`
	Message        string             `json:"message"`
	PaymentDetails *payment.Challenge `json:"paymentDetails"`
}

func (s *Server) handleExecutePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.service == nil || s.guard == nil {
		writeError(w, http.StatusServiceUnavailable, "Service not initialized")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Workflow == nil || len(req.Workflow.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "Missing workflow structure")
		return
	}

	plan, err := workflow.Parse(*req.Workflow)
	if err != nil {
		if workflow.IsGraphError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to build execution plan")
		return
	}

	ctx := r.Context()
	decision, err := s.guard.Authorize(ctx, paymentHeader(r), plan.TotalCost, plan.TaskID)
	if decision.State == payment.StateUnpaid {
		challenge := decision.Challenge
		w.Header().Set("WWW-Authenticate", challenge.Header())
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{
			Error: "Payment Required",
			Message: fmt.Sprintf("This pipeline requires a payment of %s %s to execute.",
				challenge.Amount, challenge.Currency),
			PaymentDetails: challenge,
		})
		return
	}
	if err != nil {
		if payment.IsInvalidProof(err) {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "Invalid Payment",
				"details": err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "Payment verification failed")
		return
	}

	record, err := s.service.Submit(ctx, plan, req.TaskDescription)
	if err != nil {
		// 流水线没有创建成功，归还凭证让调用方可以带着它重试。
		s.guard.Release(ctx, decision.Reference)
		writeError(w, http.StatusInternalServerError, "Failed to start pipeline")
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		Success:       true,
		TaskID:        record.TaskID,
		Status:        "running",
		Message:       "Pipeline execution started.",
		TotalSteps:    len(record.Steps),
		EstimatedCost: record.TotalCost,
	})
}

// handlePipelineDetail 处理 /pipeline/{taskId}/status 与 /pipeline/{taskId}/result。
func (s *Server) handlePipelineDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "Service not initialized")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/pipeline/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Invalid pipeline path")
		return
	}
	taskID, action := parts[0], parts[1]

	ctx := r.Context()
	switch action {
	case "status":
		view, err := s.service.Status(ctx, taskID)
		if err != nil {
			if pipeline.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "Pipeline not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to load pipeline status")
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "result":
		view, err := s.service.Result(ctx, taskID)
		if err != nil {
			if pipeline.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "Pipeline result not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to load pipeline result")
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeError(w, http.StatusNotFound, "Unknown pipeline action")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	payload := map[string]any{"status": "ok"}
	if s.service != nil {
		if stats, err := s.service.Stats(r.Context()); err == nil {
			payload["pipelines"] = stats
		}
	}
	if s.chain != nil {
		if snapshot, err := s.chain.FetchChainSnapshot(r.Context()); err == nil {
			payload["chain"] = snapshot
		} else {
			payload["chain_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// paymentHeader 依次读取 Authorization 与 X-Payment-Token。
func paymentHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	return r.Header.Get("X-Payment-Token")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// instrument 上报每个请求的指标。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

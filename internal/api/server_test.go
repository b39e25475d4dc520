package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentFlow-Chain/internal/agents"
	"AgentFlow-Chain/internal/payment"
	"AgentFlow-Chain/internal/pipeline"
	"AgentFlow-Chain/internal/web3"
	"AgentFlow-Chain/internal/workflow"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testTxHash = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

// stubChain 以内存交易表模拟链上查询。
type stubChain struct {
	txs map[string]web3.TransactionDetail
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "338"}, nil
}

func (s *stubChain) TransactionByHash(_ context.Context, hash string) (web3.TransactionDetail, error) {
	tx, ok := s.txs[hash]
	if !ok {
		return web3.TransactionDetail{}, context.Canceled
	}
	return tx, nil
}

func (s *stubChain) Close() {}

// paidChain 返回一条支付 0.03 个代币到测试钱包的交易。
func paidChain() *stubChain {
	value, _ := new(big.Int).SetString("30000000000000000", 10)
	return &stubChain{txs: map[string]web3.TransactionDetail{
		testTxHash: {Hash: testTxHash, Recipient: testWallet, Value: value},
	}}
}

type testEnv struct {
	server  *Server
	store   *pipeline.MemoryStore
	queue   *pipeline.MemoryQueue
	service *pipeline.Service
}

func newTestEnv(t *testing.T, chain web3.Client) *testEnv {
	t.Helper()
	guard, err := payment.NewGuard(chain, payment.NewMemoryLedger(), payment.Config{
		MasterWallet: testWallet,
		ChainID:      338,
	})
	if err != nil {
		t.Fatalf("NewGuard returned error: %v", err)
	}
	store := pipeline.NewMemoryStore(0)
	queue := pipeline.NewMemoryQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	service := pipeline.NewService(store, queue)
	return &testEnv{
		server:  NewServer(":0", service, guard, chain),
		store:   store,
		queue:   queue,
		service: service,
	}
}

func workflowPayload(endpoints ...string) map[string]any {
	nodes := []map[string]any{
		{"id": "n1", "agentName": "fetcher", "endpoint": endpoints[0], "price": "0.01"},
		{"id": "n2", "agentName": "writer", "endpoint": endpoints[1], "price": "0.02"},
	}
	edges := []map[string]any{
		{"id": "e1", "source": "n1", "target": "n2"},
	}
	return map[string]any{
		"workflow":        map[string]any{"nodes": nodes, "edges": edges},
		"taskDescription": "daily market report",
	}
}

func postExecute(t *testing.T, env *testEnv, payload map[string]any, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute-pipeline", strings.NewReader(string(body)))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestExecutePipelineRequiresPayment(t *testing.T) {
	env := newTestEnv(t, paidChain())

	rec := postExecute(t, env, workflowPayload("http://a1/execute", "http://a2/execute"), "")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	header := rec.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(header, "L402 ") || !strings.Contains(header, `amount="0.03"`) {
		t.Fatalf("WWW-Authenticate = %q", header)
	}

	var decoded struct {
		Error          string `json:"error"`
		PaymentDetails struct {
			Amount    string `json:"amount"`
			Currency  string `json:"currency"`
			Recipient string `json:"recipient"`
			ChainID   int64  `json:"chainId"`
		} `json:"paymentDetails"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error != "Payment Required" {
		t.Fatalf("error = %q", decoded.Error)
	}
	if decoded.PaymentDetails.Amount != "0.03" || decoded.PaymentDetails.Currency != "TCRO" {
		t.Fatalf("payment details = %+v", decoded.PaymentDetails)
	}
	if decoded.PaymentDetails.Recipient != testWallet || decoded.PaymentDetails.ChainID != 338 {
		t.Fatalf("payment details = %+v", decoded.PaymentDetails)
	}
}

func TestExecutePipelineChallengeIsStable(t *testing.T) {
	env := newTestEnv(t, paidChain())
	payload := workflowPayload("http://a1/execute", "http://a2/execute")

	first := postExecute(t, env, payload, "")
	second := postExecute(t, env, payload, "")
	if first.Code != http.StatusPaymentRequired || second.Code != http.StatusPaymentRequired {
		t.Fatalf("statuses = %d, %d, want 402 twice", first.Code, second.Code)
	}
	if first.Header().Get("WWW-Authenticate") != second.Header().Get("WWW-Authenticate") {
		t.Fatalf("challenge changed between identical submissions")
	}
}

func TestExecutePipelineRejectsInvalidPayment(t *testing.T) {
	env := newTestEnv(t, paidChain())

	unknown := "0x3333333333333333333333333333333333333333333333333333333333333333"
	rec := postExecute(t, env, workflowPayload("http://a1/execute", "http://a2/execute"), "L402 "+unknown)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var decoded map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["error"] != "Invalid Payment" || decoded["details"] == "" {
		t.Fatalf("response = %v", decoded)
	}
}

func TestExecutePipelineRejectsMalformedGraph(t *testing.T) {
	env := newTestEnv(t, paidChain())

	t.Run("missing workflow", func(t *testing.T) {
		rec := postExecute(t, env, map[string]any{"taskDescription": "x"}, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var decoded map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
		if decoded["error"] != "Missing workflow structure" {
			t.Fatalf("error = %q", decoded["error"])
		}
	})

	t.Run("cyclic graph", func(t *testing.T) {
		payload := workflowPayload("http://a1/execute", "http://a2/execute")
		wf := payload["workflow"].(map[string]any)
		wf["edges"] = []map[string]any{
			{"id": "e1", "source": "n1", "target": "n2"},
			{"id": "e2", "source": "n2", "target": "n1"},
		}
		rec := postExecute(t, env, payload, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestExecutePipelineEndToEnd(t *testing.T) {
	// 两个模拟 Agent：第一个产出行情，第二个消费上游输出。
	agent1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	defer agent1.Close()

	var receivedInputs map[string]json.RawMessage
	agent2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs map[string]json.RawMessage `json:"inputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		receivedInputs = req.Inputs
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report":"done"}`))
	}))
	defer agent2.Close()

	env := newTestEnv(t, paidChain())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := pipeline.NewProcessor(agents.NewHTTPInvoker(agents.Config{Timeout: 5 * time.Second}), env.store, env.queue)
	go func() { _ = processor.Start(ctx) }()

	rec := postExecute(t, env, workflowPayload(agent1.URL, agent2.URL), "L402 "+testTxHash)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var ack struct {
		Success       bool   `json:"success"`
		TaskID        string `json:"taskId"`
		Status        string `json:"status"`
		TotalSteps    int    `json:"totalSteps"`
		EstimatedCost string `json:"estimatedCost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Success || ack.Status != "running" || ack.TotalSteps != 2 || ack.EstimatedCost != "0.03" {
		t.Fatalf("ack = %+v", ack)
	}

	waitForTerminal(t, env, ack.TaskID)

	statusRec := getPath(t, env, "/pipeline/"+ack.TaskID+"/status")
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status endpoint code = %d", statusRec.Code)
	}
	var status struct {
		Status         string `json:"status"`
		CompletedSteps int    `json:"completedSteps"`
	}
	_ = json.Unmarshal(statusRec.Body.Bytes(), &status)
	if status.Status != "completed" || status.CompletedSteps != 2 {
		t.Fatalf("status view = %+v", status)
	}

	resultRec := getPath(t, env, "/pipeline/"+ack.TaskID+"/result")
	if resultRec.Code != http.StatusOK {
		t.Fatalf("result endpoint code = %d", resultRec.Code)
	}
	var result struct {
		Success          bool              `json:"success"`
		AggregatedOutput json.RawMessage   `json:"aggregatedOutput"`
		Results          []json.RawMessage `json:"results"`
	}
	_ = json.Unmarshal(resultRec.Body.Bytes(), &result)
	if !result.Success || string(result.AggregatedOutput) != `{"report":"done"}` {
		t.Fatalf("result view = %+v", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("results length = %d, want 2", len(result.Results))
	}
	if string(receivedInputs["n1"]) != `{"price":42}` {
		t.Fatalf("second agent inputs = %v", receivedInputs)
	}
}

func TestExecutePipelineRejectsReplayedPayment(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer agent.Close()

	env := newTestEnv(t, paidChain())
	payload := workflowPayload(agent.URL, agent.URL)

	first := postExecute(t, env, payload, "L402 "+testTxHash)
	if first.Code != http.StatusOK {
		t.Fatalf("first submission status = %d", first.Code)
	}
	second := postExecute(t, env, payload, "L402 "+testTxHash)
	if second.Code != http.StatusForbidden {
		t.Fatalf("replayed submission status = %d, want 403", second.Code)
	}
}

func TestPipelineDetailNotFound(t *testing.T) {
	env := newTestEnv(t, paidChain())

	rec := getPath(t, env, "/pipeline/missing/status")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404", rec.Code)
	}
	var decoded map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	if decoded["error"] != "Pipeline not found" {
		t.Fatalf("error = %q", decoded["error"])
	}

	rec = getPath(t, env, "/pipeline/missing/result")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("result code = %d, want 404", rec.Code)
	}
}

func TestPipelineResultNotReadyUntilTerminal(t *testing.T) {
	env := newTestEnv(t, paidChain())

	plan, err := workflow.Parse(workflow.Workflow{
		Nodes: []workflow.Node{{ID: "n1", AgentName: "fetcher", Endpoint: "http://a1/execute", Price: "0.01"}},
	})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if _, err := env.service.Submit(context.Background(), plan, ""); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	rec := getPath(t, env, "/pipeline/"+plan.TaskID+"/result")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("result code before terminal = %d, want 404", rec.Code)
	}
	rec = getPath(t, env, "/pipeline/"+plan.TaskID+"/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
}

func TestHealthzReportsChainSnapshot(t *testing.T) {
	env := newTestEnv(t, paidChain())

	rec := getPath(t, env, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d, want 200", rec.Code)
	}
	var decoded struct {
		Status string `json:"status"`
		Chain  struct {
			ChainID string `json:"chainId"`
		} `json:"chain"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Status != "ok" {
		t.Fatalf("status = %q", decoded.Status)
	}
	if decoded.Chain.ChainID != "338" {
		t.Fatalf("chain id = %q, want 338", decoded.Chain.ChainID)
	}
}

// failingProducer 模拟不可用的队列，Publish 恒定失败。
type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("queue unavailable")
}

func (failingProducer) Close() error { return nil }

func TestExecutePipelineReleasesProofWhenSubmitFails(t *testing.T) {
	chain := paidChain()
	guard, err := payment.NewGuard(chain, payment.NewMemoryLedger(), payment.Config{
		MasterWallet: testWallet,
		ChainID:      338,
	})
	if err != nil {
		t.Fatalf("NewGuard returned error: %v", err)
	}
	store := pipeline.NewMemoryStore(0)
	service := pipeline.NewService(store, failingProducer{})
	env := &testEnv{
		server:  NewServer(":0", service, guard, chain),
		store:   store,
		service: service,
	}

	auth := "L402 " + testTxHash
	payload := workflowPayload("http://a1/execute", "http://a2/execute")

	rec := postExecute(t, env, payload, auth)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// 凭证已被归还，携带同一凭证重试不应被判定为重放。
	rec = postExecute(t, env, payload, auth)
	if rec.Code == http.StatusForbidden {
		t.Fatalf("retry with same proof rejected as replay: %s", rec.Body.String())
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 while queue is down", rec.Code)
	}
}

func getPath(t *testing.T, env *testEnv, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func waitForTerminal(t *testing.T, env *testEnv, taskID string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		p, err := env.store.Get(context.Background(), taskID)
		if err == nil && p.Status.IsTerminal() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline %s did not finish in time", taskID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

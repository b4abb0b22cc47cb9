package rest

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

var (
	joao  = uuid.MustParse("aaee2b13-8a5e-4aed-a30b-5d8535c8ab20")
	lemmy = uuid.MustParse("fb789eb9-a5a9-4ebe-a808-a9cd59b19772")
)

// brokenStore 所有讀取都失敗
type brokenStore struct {
	usecase.Store
}

func (brokenStore) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	return nil, errors.New("connection refused")
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := memory.NewMutexLedger([]*domain.Account{
		domain.NewAccount(joao, "Joao Cardoso", decimal.RequireFromString("0.50")),
		domain.NewAccount(lemmy, "Lemmy Kilmister", decimal.RequireFromString("100.20")),
	}, nil)
	if err != nil {
		t.Fatalf("NewMutexLedger: %v", err)
	}
	return newServerWithStore(t, store)
}

func newServerWithStore(t *testing.T, store usecase.Store) *httptest.Server {
	t.Helper()
	engine := usecase.NewTransferEngine(store)
	srv := httptest.NewServer(NewRouter(NewHandler(engine), zerolog.Nop(), 5*time.Second))
	t.Cleanup(srv.Close)
	return srv
}

func postTransfer(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/accounts/transfer", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func transferBody(requestID, from, to uuid.UUID, amount string) string {
	return `{"requestId":"` + requestID.String() + `","fromAccountId":"` + from.String() +
		`","toAccountId":"` + to.String() + `","amount":` + amount + `}`
}

func TestHealthcheck(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "UP" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}

func TestTransfer_Created(t *testing.T) {
	srv := newTestServer(t)
	requestID := uuid.New()

	resp, out := postTransfer(t, srv, transferBody(requestID, lemmy, joao, "100.20"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["requestId"] != requestID.String() {
		t.Fatalf("requestId = %v", out["requestId"])
	}
	if out["amount"] != 100.2 {
		t.Fatalf("amount = %v", out["amount"])
	}
	at, ok := out["at"].(string)
	if !ok {
		t.Fatalf("at = %v", out["at"])
	}
	if _, err := time.Parse(TimeLayout, at); err != nil {
		t.Fatalf("at %q: %v", at, err)
	}

	// 餘額已更新
	get, err := http.Get(srv.URL + "/accounts/" + joao.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	var account map[string]any
	if err := json.NewDecoder(get.Body).Decode(&account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if account["balance"] != 100.7 || account["name"] != "Joao Cardoso" || account["id"] != joao.String() {
		t.Fatalf("account = %v", account)
	}
}

func TestTransfer_AmountAsString(t *testing.T) {
	srv := newTestServer(t)
	resp, out := postTransfer(t, srv, transferBody(uuid.New(), lemmy, joao, `"0.20"`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
}

func TestTransfer_Errors(t *testing.T) {
	srv := newTestServer(t)
	ghost := uuid.New()
	replayed := uuid.New()
	if resp, out := postTransfer(t, srv, transferBody(replayed, lemmy, joao, "1.00")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("setup transfer: %d %v", resp.StatusCode, out)
	}

	tests := []struct {
		name     string
		body     string
		status   int
		code     float64
		affected []string
	}{
		{
			name:   "unknown account",
			body:   transferBody(uuid.New(), ghost, joao, "1.00"),
			status: http.StatusBadRequest, code: CodeAccountNotFound, affected: []string{ghost.String()},
		},
		{
			name:   "duplicate request id",
			body:   transferBody(replayed, lemmy, joao, "1.00"),
			status: http.StatusConflict, code: CodeDuplicateRequestID, affected: []string{replayed.String()},
		},
		{
			name:   "duplicate request id with invalid payload",
			body:   transferBody(replayed, lemmy, lemmy, "-5"),
			status: http.StatusConflict, code: CodeDuplicateRequestID, affected: []string{replayed.String()},
		},
		{
			name:   "insufficient balance",
			body:   transferBody(uuid.New(), joao, lemmy, "1000"),
			status: http.StatusBadRequest, code: CodeInsufficientBalance, affected: []string{joao.String()},
		},
		{
			name:   "invalid amount",
			body:   transferBody(uuid.New(), lemmy, joao, "-5"),
			status: http.StatusBadRequest, code: CodeInvalidRequest, affected: []string{},
		},
		{
			name:   "same account",
			body:   transferBody(uuid.New(), lemmy, lemmy, "1"),
			status: http.StatusBadRequest, code: CodeInvalidRequest, affected: []string{lemmy.String()},
		},
		{
			name:   "malformed json",
			body:   `{"requestId":`,
			status: http.StatusBadRequest, code: CodeInvalidRequest, affected: []string{},
		},
		{
			name:   "missing amount",
			body:   `{"requestId":"` + uuid.NewString() + `","fromAccountId":"` + lemmy.String() + `","toAccountId":"` + joao.String() + `"}`,
			status: http.StatusBadRequest, code: CodeInvalidRequest, affected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postTransfer(t, srv, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.status, out)
			}
			if out["code"] != tt.code {
				t.Fatalf("code = %v, want %v", out["code"], tt.code)
			}
			if msg, _ := out["message"].(string); strings.TrimSpace(msg) == "" {
				t.Fatal("message is blank")
			}
			affected, _ := out["affectedValues"].([]any)
			if len(affected) != len(tt.affected) {
				t.Fatalf("affectedValues = %v, want %v", affected, tt.affected)
			}
			for i, v := range tt.affected {
				if affected[i] != v {
					t.Fatalf("affectedValues[%d] = %v, want %s", i, affected[i], v)
				}
			}
		})
	}
}

func TestAccounts(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/accounts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(list.Results) != 2 {
		t.Fatalf("status=%d results=%v", resp.StatusCode, list.Results)
	}

	for path, want := range map[string]int{
		"/accounts/" + uuid.NewString(): http.StatusNotFound,
		"/accounts/not-a-uuid":          http.StatusBadRequest,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestAccounts_StorageFailure(t *testing.T) {
	srv := newServerWithStore(t, brokenStore{})
	resp, err := http.Get(srv.URL + "/accounts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError || out.Code != CodeInternal || len(out.AffectedValues) != 0 {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, out)
	}
	// 不可洩漏內部錯誤
	if strings.Contains(out.Message, "connection refused") {
		t.Fatalf("message leaks cause: %q", out.Message)
	}
}

func TestGzipCompression(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/accounts", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	// 自行設定 Accept-Encoding 時 Transport 不會自動解壓
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", resp.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var list map[string]any
	if err := json.NewDecoder(zr).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := list["results"]; !ok {
		t.Fatalf("body = %v", list)
	}
}

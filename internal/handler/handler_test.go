package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/middleware"
	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/repository"
	"github.com/mmeshcher/alfa-voucher/internal/service"
	"github.com/mmeshcher/alfa-voucher/internal/token"
	"github.com/mmeshcher/alfa-voucher/internal/validation"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

type stubService struct {
	registerReq  service.PurchaseRequest
	registerResp *service.Registration
	registerErr  error

	returnReq  service.ReturnRequest
	reconcile  *model.ReconcileResult
	reconErr   error
	statusBody []byte
	statusCode int
	statusErr  error
}

func (s *stubService) Register(_ context.Context, req service.PurchaseRequest) (*service.Registration, error) {
	s.registerReq = req
	return s.registerResp, s.registerErr
}

func (s *stubService) Reconcile(_ context.Context, req service.ReturnRequest) (*model.ReconcileResult, error) {
	s.returnReq = req
	return s.reconcile, s.reconErr
}

func (s *stubService) BankStatus(context.Context, bank.OrderRef) ([]byte, int, error) {
	return s.statusBody, s.statusCode, s.statusErr
}

type stubOpener struct {
	artifact *voucher.Artifact
	err      error
}

func (o *stubOpener) Open(context.Context, string, string) (*voucher.Artifact, error) {
	return o.artifact, o.err
}

func newStubHandler(svc *stubService, opener *stubOpener, opsToken string) http.Handler {
	h := NewHandler(svc, opener, zap.NewNop(), middleware.NewBearerAuth(opsToken), "https://shop.example.com/")
	return h.SetupRouter()
}

func decodeRegister(t *testing.T, res *http.Response) registerResponse {
	t.Helper()
	var body registerResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestRegisterPayment_Success(t *testing.T) {
	svc := &stubService{registerResp: &service.Registration{FormURL: "https://bank/form", OrderID: "oid", OrderNumber: "AB-1"}}
	router := newStubHandler(svc, &stubOpener{}, "")

	body := `{"service_id":17,"service_name":"Абонемент","price":6480,"phone":"+79991234567","email":"a@b.com","visits":12}`
	req := httptest.NewRequest(http.MethodPost, "/api/payment/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := decodeRegister(t, res)
	assert.True(t, got.OK)
	assert.Equal(t, "https://bank/form", got.FormURL)
	assert.Equal(t, "oid", got.OrderID)
	assert.Equal(t, "AB-1", got.OrderNumber)

	assert.Equal(t, "17", svc.registerReq.ServiceID)
	assert.Equal(t, "6480", svc.registerReq.Price)
	assert.Equal(t, "12", svc.registerReq.Visits)
}

func TestRegisterPayment_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "malformed json",
			body:       `{"price":`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgBadJSON,
		},
		{
			name:       "object instead of string",
			body:       `{"price":{"v":1}}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgBadJSON,
		},
		{
			name:       "validation",
			body:       `{}`,
			err:        &validation.Error{Field: "price", Message: "не указана цена"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "price: не указана цена",
		},
		{
			name:       "bank rejected with message",
			body:       `{}`,
			err:        &bank.GatewayError{Kind: bank.KindRejected, Op: "register", Code: "1", Message: "Неверная сумма"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Неверная сумма",
		},
		{
			name:       "bank unreachable",
			body:       `{}`,
			err:        &bank.GatewayError{Kind: bank.KindTransport, Op: "register", Err: errors.New("timeout")},
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgBankDown,
		},
		{
			name:       "not configured",
			body:       `{}`,
			err:        bank.ErrNotConfigured,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    msgMisconfigured,
		},
		{
			name:       "store failure",
			body:       `{}`,
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    msgInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newStubHandler(&stubService{registerErr: tt.err}, &stubOpener{}, "")

			req := httptest.NewRequest(http.MethodPost, "/api/payment/register", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()
			assert.Equal(t, tt.wantStatus, res.StatusCode)

			got := decodeRegister(t, res)
			assert.False(t, got.OK)
			assert.Equal(t, tt.wantMsg, got.Message)
			assert.NotContains(t, got.Message, "ALFA_")
		})
	}
}

var storedResult = regexp.MustCompile(`localStorage\.setItem\("alfaPaymentResult", "((?:[^"\\]|\\.)*)"\)`)

// storedPayload извлекает JSON, который страница возврата кладёт в localStorage.
func storedPayload(t *testing.T, page string) map[string]any {
	t.Helper()
	m := storedResult.FindStringSubmatch(page)
	require.Len(t, m, 2, page)

	var raw string
	require.NoError(t, json.Unmarshal([]byte(`"`+m[1]+`"`), &raw))

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestPaymentReturn(t *testing.T) {
	svc := &stubService{reconcile: &model.ReconcileResult{
		Confirmed:  true,
		VoucherURL: "https://pay.example.com/voucher?doc=d&token=t",
		Message:    "ok",
		OrderRef:   "AB-1",
		State:      model.StateFulfilled,
		BackURL:    "https://shop.example.com/catalog",
	}}
	router := newStubHandler(svc, &stubOpener{}, "")

	req := httptest.NewRequest(http.MethodGet, "/payment/return?mdOrder=oid&back=%2Fx", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))

	page, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, "oid", svc.returnReq.OrderID)
	assert.Equal(t, "/x", svc.returnReq.Back)

	payload := storedPayload(t, string(page))
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, "https://pay.example.com/voucher?doc=d&token=t", payload["voucher_url"])
	assert.Equal(t, "AB-1", payload["order_ref"])
	assert.Equal(t, "FULFILLED", payload["state"])
	assert.NotContains(t, payload, "confirmed")
	assert.NotContains(t, payload, "voucherUrl")
	assert.Regexp(t, `location\.replace\("https:(\\/|/)(\\/|/)shop\.example\.com(\\/|/)catalog"\)`, string(page))
}

func TestPaymentReturn_MissingIdentifiers(t *testing.T) {
	svc := &stubService{reconErr: service.ErrMissingOrderRef}
	router := newStubHandler(svc, &stubOpener{}, "")

	req := httptest.NewRequest(http.MethodGet, "/payment/return?success=1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	page, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	payload := storedPayload(t, string(page))
	assert.Equal(t, false, payload["ok"])
	assert.Contains(t, string(page), `shop.example.com`)
}

func TestVoucher_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
	}{
		{name: "no token", query: "?doc=d", wantStatus: http.StatusBadRequest},
		{name: "no doc", query: "?token=t", wantStatus: http.StatusBadRequest},
		{name: "forbidden", query: "?doc=d&token=t", err: voucher.ErrForbidden, wantStatus: http.StatusForbidden},
		{name: "not found", query: "?doc=d&token=t", err: voucher.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "internal", query: "?doc=d&token=t", err: errors.New("io"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newStubHandler(&stubService{}, &stubOpener{err: tt.err}, "")

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/voucher"+tt.query, nil))

			res := w.Result()
			defer res.Body.Close()
			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
		})
	}
}

func TestVoucher_StreamsPDF(t *testing.T) {
	pdf := []byte("%PDF-1.3 test")
	opener := &stubOpener{artifact: &voucher.Artifact{
		ReadCloser: io.NopCloser(bytes.NewReader(pdf)),
		Name:       "doc-1.pdf",
		Size:       int64(len(pdf)),
	}}
	router := newStubHandler(&stubService{}, opener, "")

	req := httptest.NewRequest(http.MethodGet, "/voucher?doc=doc-1&token=t", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/pdf", res.Header.Get("Content-Type"))
	assert.Equal(t, "13", res.Header.Get("Content-Length"))
	assert.Equal(t, `inline; filename="doc-1.pdf"`, res.Header.Get("Content-Disposition"))
	assert.Empty(t, res.Header.Get("Content-Encoding"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, pdf, body)
}

func TestPaymentStatus(t *testing.T) {
	svc := &stubService{statusBody: []byte(`{"orderStatus":2,"errorCode":"0"}`), statusCode: http.StatusOK}
	router := newStubHandler(svc, &stubOpener{}, "ops-secret")

	t.Run("unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/status", strings.NewReader(`{"orderId":"oid"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("json passthrough", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/status", strings.NewReader(`{"orderId":"oid"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer ops-secret")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"orderStatus":2,"errorCode":"0"}`, w.Body.String())
	})

	t.Run("form without identifiers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/status", strings.NewReader(`x=1`))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer ops-secret")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealth(t *testing.T) {
	router := newStubHandler(&stubService{}, &stubOpener{}, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

type fakeBank struct {
	mu      sync.Mutex
	paid    map[string]bool
	orderID string
}

func (b *fakeBank) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/rest/register.do":
		_, _ = w.Write([]byte(`{"orderId":"` + b.orderID + `","formUrl":"https://bank.example.com/form?mdOrder=` + b.orderID + `"}`))
	case "/rest/getOrderStatusExtended.do":
		status := 0
		if b.paid[r.PostForm.Get("orderId")] {
			status = bank.StatusDeposited
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": "0", "orderStatus": status})
	default:
		http.NotFound(w, r)
	}
}

type stubRenderer struct{}

func (stubRenderer) Render(doc voucher.Document) ([]byte, error) {
	return []byte("%PDF-1.3 " + doc.DocID), nil
}

func TestScenario_RegisterReturnDownload(t *testing.T) {
	fb := &fakeBank{paid: map[string]bool{}, orderID: "70906e55-7114-41d6-8332-4609dc6590f4"}
	bankSrv := httptest.NewServer(fb)
	defer bankSrv.Close()

	root := t.TempDir()
	repo, err := repository.NewFileRepository(filepath.Join(root, "orders"), filepath.Join(root, "vouchers"))
	require.NoError(t, err)
	artifacts, err := voucher.NewFileStorage(filepath.Join(root, "vouchers"))
	require.NoError(t, err)

	const publicBase = "https://pay.example.com"
	signer := token.NewSigner("scenario-secret")
	issuer := voucher.NewIssuer(repo, artifacts, stubRenderer{}, signer, publicBase, zap.NewNop())
	client := bank.NewClient(bank.Config{BaseURL: bankSrv.URL, Token: "t"})
	svc := service.NewService(repo, client, issuer, service.Options{
		PublicBase:     publicBase,
		DefaultBackURL: "https://shop.example.com/",
		HonorBackURL:   true,
	}, zap.NewNop())

	router := NewHandler(svc, voucher.NewGateway(repo, artifacts, signer), zap.NewNop(),
		middleware.NewBearerAuth(""), "https://shop.example.com/").SetupRouter()

	body := `{"service_id":"svc1","service_name":"Абонемент","price":"6 480","phone":"+79991234567","email":"a@b.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/payment/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reg registerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	require.True(t, reg.OK)

	stored, err := repo.GetOrderByID(context.Background(), reg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(6480), stored.Price)

	returnTo := "/payment/return?orderId=" + url.QueryEscape(reg.OrderID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, returnTo+"&success=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	unpaid := storedPayload(t, w.Body.String())
	assert.Equal(t, false, unpaid["ok"])
	assert.Nil(t, unpaid["voucher_url"])

	fb.mu.Lock()
	fb.paid[reg.OrderID] = true
	fb.mu.Unlock()

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, returnTo, nil))
	require.Equal(t, http.StatusOK, w.Code)
	paid := storedPayload(t, w.Body.String())
	require.Equal(t, true, paid["ok"])

	voucherURL, ok := paid["voucher_url"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(voucherURL, publicBase+"/voucher?doc="), voucherURL)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, returnTo, nil))
	again := storedPayload(t, w.Body.String())
	assert.Equal(t, voucherURL, again["voucher_url"])

	u, err := url.Parse(voucherURL)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))

	q := u.Query()
	tok := q.Get("token")
	q.Set("token", strings.Repeat("0", len(tok)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/voucher?"+q.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

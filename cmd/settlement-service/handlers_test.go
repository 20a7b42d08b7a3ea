package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MikeMC777/checkout-settlement/internal/catalog"
	"github.com/MikeMC777/checkout-settlement/internal/gateway"
	"github.com/MikeMC777/checkout-settlement/internal/identity"
	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/payment"
	"github.com/MikeMC777/checkout-settlement/internal/reconcile"
)

const (
	jwtSecret     = "test-jwt-secret"
	gatewaySecret = "test-gateway-secret"
)

func init() {
	// silencia logs
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

//
// ---------- FAKES ----------
//

// gatewayFake sirve POST /v1/orders; con down=true responde 503.
type gatewayFake struct {
	calls atomic.Int32
	down  atomic.Bool
}

func (g *gatewayFake) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
		http.NotFound(w, r)
		return
	}
	if g.down.Load() {
		http.Error(w, `{"error":{"code":"SERVER_ERROR"}}`, http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":{"code":"BAD_REQUEST_ERROR"}}`, http.StatusBadRequest)
		return
	}
	id := fmt.Sprintf("order_%03d", g.calls.Add(1))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id": id, "client_secret": "cs_" + id, "amount": body.Amount, "currency": body.Currency, "status": "created",
	})
}

// catalogFake sirve GET /products/:id con precios fijos.
func catalogFake() http.Handler {
	prices := map[string]string{"A": "149.00", "B": "20.50"}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/products/")
		price, ok := prices[ref]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog.ProductDTO{ID: ref, Name: "Prod " + ref, Price: price, Stock: 10})
	})
}

type testEnv struct {
	router  *gin.Engine
	logs    *bytes.Buffer
	catalog *httptest.Server
	repo    *order.MemRepo
	queue   *reconcile.MemQueue
	gw      *gatewayFake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gw := &gatewayFake{}
	gsrv := httptest.NewServer(http.HandlerFunc(gw.handler))
	t.Cleanup(gsrv.Close)
	csrv := httptest.NewServer(catalogFake())
	t.Cleanup(csrv.Close)

	logs := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(logs, nil))
	repo := order.NewMemRepo()
	queue := reconcile.NewMemQueue()
	ledger := order.NewLedger(repo, order.WithLogger(log))
	intents := payment.NewIntentService(payment.IntentDeps{
		Repo:    repo,
		Gateway: gateway.New(gsrv.URL, "key_id", gatewaySecret, 2*time.Second),
		Queue:   queue,
		Catalog: catalog.New(csrv.URL, 2*time.Second),
		Log:     log,
	}, payment.IntentConfig{GatewayTimeout: 2 * time.Second, WriteRetries: 2, WriteRetryBase: time.Millisecond})
	verifier := payment.NewVerifier(payment.VerifierDeps{Secret: gatewaySecret, Ledger: ledger, Queue: queue, Log: log})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	registerRoutes(r, routes{
		tokens:   identity.NewVerifier(jwtSecret),
		intents:  intents,
		verifier: verifier,
		ledger:   ledger,
		log:      log,
	})
	return &testEnv{router: r, logs: logs, catalog: csrv, repo: repo, queue: queue, gw: gw}
}

func bearer(t *testing.T, userRef string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userRef,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + tok
}

func (e *testEnv) do(method, path, auth, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	e.router.ServeHTTP(w, req)
	return w
}

const cartBody = `{"idempotency_key":"key-1","items":[{"product_ref":"A","quantity":2}],"currency":"INR","declared_total":"298"}`

func (e *testEnv) openIntent(t *testing.T, auth string) payment.CheckoutIntentResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/checkout/intent", auth, cartBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var out payment.CheckoutIntentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json inválido: %v", err)
	}
	return out
}

func confirmBody(intentID, paymentID, signature string) string {
	b, _ := json.Marshal(payment.ConfirmRequest{GatewayIntentID: intentID, GatewayPaymentID: paymentID, Signature: signature})
	return string(b)
}

//
// ---------- TESTS ----------
//

func TestOpenIntent_CreatedThenReplayed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	auth := bearer(t, "user-1")

	first := env.openIntent(t, auth)
	if first.Status != string(order.StatusAwaitingPayment) || first.Total != "298.00" || first.Currency != "INR" {
		t.Fatalf("respuesta inesperada: %+v", first)
	}
	if first.GatewayIntentID != "order_001" || first.ClientSecret != "cs_order_001" {
		t.Fatalf("intent inesperado: %+v", first)
	}

	w := env.do(http.MethodPost, "/checkout/intent", auth, cartBody)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s (esperaba 200)", w.Code, w.Body.String())
	}
	var again payment.CheckoutIntentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &again)
	if again.OrderID != first.OrderID || !again.Replayed {
		t.Fatalf("replay devolvió otra orden: %+v vs %+v", again, first)
	}
	if n := env.gw.calls.Load(); n != 1 {
		t.Fatalf("gateway calls=%d, esperaba 1", n)
	}
}

func TestOpenIntent_IdempotencyKeyHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body := `{"items":[{"product_ref":"B","quantity":1}],"currency":"INR","declared_total":"20.50"}`
	w := env.do(http.MethodPost, "/checkout/intent", bearer(t, "user-1"), body, "Idempotency-Key", "hdr-key")
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if _, err := env.repo.GetByIdempotencyKey(t.Context(), "hdr-key"); err != nil {
		t.Fatalf("orden no persistida con la clave del header: %v", err)
	}
}

func TestOpenIntent_Rejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	auth := bearer(t, "user-1")

	cases := []struct {
		name, auth, body string
		status           int
		code             string
	}{
		{"no token", "", cartBody, http.StatusUnauthorized, "unauthenticated"},
		{"bad json", auth, `{"items":`, http.StatusBadRequest, "invalid_order_request"},
		{"no key", auth, `{"items":[{"product_ref":"A","quantity":1}],"currency":"INR","declared_total":"149"}`, http.StatusBadRequest, "invalid_order_request"},
		{"total mismatch", auth, `{"idempotency_key":"k2","items":[{"product_ref":"A","quantity":2}],"currency":"INR","declared_total":"297.99"}`, http.StatusBadRequest, "invalid_order_request"},
		{"unknown product", auth, `{"idempotency_key":"k3","items":[{"product_ref":"Z","quantity":1}],"currency":"INR","declared_total":"1"}`, http.StatusBadRequest, "invalid_order_request"},
	}
	for _, tc := range cases {
		w := env.do(http.MethodPost, "/checkout/intent", tc.auth, tc.body)
		if w.Code != tc.status {
			t.Fatalf("%s: status=%d body=%s", tc.name, w.Code, w.Body.String())
		}
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &e)
		if e.Error != tc.code {
			t.Fatalf("%s: error=%q, esperaba %q", tc.name, e.Error, tc.code)
		}
	}
	if n := env.gw.calls.Load(); n != 0 {
		t.Fatalf("gateway no debía llamarse, calls=%d", n)
	}
}

func TestOpenIntent_GatewayDown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.gw.down.Store(true)

	w := env.do(http.MethodPost, "/checkout/intent", bearer(t, "user-1"), cartBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s (esperaba 503)", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("falta Retry-After")
	}
	if _, err := env.repo.GetByIdempotencyKey(t.Context(), "key-1"); err == nil {
		t.Fatalf("no debía persistirse la orden")
	}

	// reintento con la misma clave cuando el gateway vuelve
	env.gw.down.Store(false)
	env.openIntent(t, bearer(t, "user-1"))
}

func TestConfirmAndGetOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	owner := bearer(t, "user-1")
	intent := env.openIntent(t, owner)

	sig := payment.Sign([]byte(gatewaySecret), intent.GatewayIntentID, "pay_123")
	w := env.do(http.MethodPost, "/checkout/confirm", "", confirmBody(intent.GatewayIntentID, "pay_123", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var res payment.ConfirmResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Verified || res.OrderStatus != string(order.StatusPaid) || res.OrderID != intent.OrderID {
		t.Fatalf("confirm inesperado: %+v", res)
	}

	// entrega duplicada del mismo callback
	w = env.do(http.MethodPost, "/checkout/confirm", "", confirmBody(intent.GatewayIntentID, "pay_123", sig))
	if w.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/orders/"+intent.OrderID, owner, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var view order.OrderView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("json inválido: %v", err)
	}
	if view.Status != order.StatusPaid || view.GatewayPaymentID != "pay_123" || view.Version != 2 || len(view.Items) != 1 {
		t.Fatalf("proyección inesperada: %+v", view)
	}
	if strings.Contains(w.Body.String(), "cs_") || strings.Contains(w.Body.String(), sig) {
		t.Fatalf("la proyección expone secretos: %s", w.Body.String())
	}

	// otro usuario no ve la orden
	w = env.do(http.MethodGet, "/orders/"+intent.OrderID, bearer(t, "user-2"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s (esperaba 404)", w.Code, w.Body.String())
	}
}

func TestConfirm_BadSignature(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	intent := env.openIntent(t, bearer(t, "user-1"))

	sig := payment.Sign([]byte("wrong-secret"), intent.GatewayIntentID, "pay_123")
	w := env.do(http.MethodPost, "/checkout/confirm", "", confirmBody(intent.GatewayIntentID, "pay_123", sig))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s (esperaba 401)", w.Code, w.Body.String())
	}
	var res payment.ConfirmResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Verified || res.Error != "signature_invalid" {
		t.Fatalf("respuesta inesperada: %+v", res)
	}
	o, _ := env.repo.GetByID(t.Context(), intent.OrderID)
	if o.Status != order.StatusAwaitingPayment {
		t.Fatalf("status=%s, la orden no debía cambiar", o.Status)
	}
}

func TestConfirm_UnknownIntent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	sig := payment.Sign([]byte(gatewaySecret), "order_999", "pay_1")
	w := env.do(http.MethodPost, "/checkout/confirm", "", confirmBody("order_999", "pay_1", sig))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s (esperaba 404)", w.Code, w.Body.String())
	}
	list, _ := env.queue.List(t.Context(), 0)
	if len(list) != 1 || list[0].Kind != reconcile.PaymentWithoutOrder {
		t.Fatalf("reconciliación inesperada: %+v", list)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	owner := bearer(t, "user-1")
	intent := env.openIntent(t, owner)

	// otro usuario no puede cancelar
	w := env.do(http.MethodPost, "/orders/"+intent.OrderID+"/cancel", bearer(t, "user-2"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s (esperaba 404)", w.Code, w.Body.String())
	}

	w = env.do(http.MethodPost, "/orders/"+intent.OrderID+"/cancel", owner, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var view order.OrderView
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if view.Status != order.StatusCancelled || view.CancelledAt == nil {
		t.Fatalf("proyección inesperada: %+v", view)
	}

	// pago tardío sobre orden cancelada
	sig := payment.Sign([]byte(gatewaySecret), intent.GatewayIntentID, "pay_late")
	w = env.do(http.MethodPost, "/checkout/confirm", "", confirmBody(intent.GatewayIntentID, "pay_late", sig))
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s (esperaba 409)", w.Code, w.Body.String())
	}
	var res payment.ConfirmResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Verified || res.Error != string(payment.ReasonOrderNotPayable) {
		t.Fatalf("respuesta inesperada: %+v", res)
	}
	list, _ := env.queue.List(t.Context(), 0)
	if len(list) != 1 || list[0].Kind != reconcile.PaymentOnClosedOrder {
		t.Fatalf("reconciliación inesperada: %+v", list)
	}
}

func TestCancelOrder_PaidIsConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	owner := bearer(t, "user-1")
	intent := env.openIntent(t, owner)

	sig := payment.Sign([]byte(gatewaySecret), intent.GatewayIntentID, "pay_1")
	if w := env.do(http.MethodPost, "/checkout/confirm", "", confirmBody(intent.GatewayIntentID, "pay_1", sig)); w.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", w.Code, w.Body.String())
	}

	w := env.do(http.MethodPost, "/orders/"+intent.OrderID+"/cancel", owner, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s (esperaba 409)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "illegal_transition") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/orders/does-not-exist", bearer(t, "user-1"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s (esperaba 404)", w.Code, w.Body.String())
	}
}

func TestConfirm_MalformedBodyIsAudited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/checkout/confirm", "", `{"gateway_intent_id":`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s (esperaba 401)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "signature_invalid") {
		t.Fatalf("body=%s", w.Body.String())
	}
	if !strings.Contains(env.logs.String(), "confirm_rejected") {
		t.Fatalf("falta la línea de auditoría: %s", env.logs.String())
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
		code   string
		retry  bool
	}{
		{fmt.Errorf("%w: x", order.ErrInvalidOrderRequest), http.StatusBadRequest, "invalid_order_request", false},
		{fmt.Errorf("%w: x", order.ErrGatewayUnavailable), http.StatusServiceUnavailable, "gateway_unavailable", true},
		{fmt.Errorf("%w: identity: deadline", order.ErrUpstreamUnavailable), http.StatusServiceUnavailable, "upstream_unavailable", true},
		{order.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid", false},
		{order.ErrOrderNotPayable, http.StatusConflict, "order_not_payable", false},
		{order.ErrIllegalTransition, http.StatusConflict, "illegal_transition", false},
		{order.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict", false},
		{order.ErrNotFound, http.StatusNotFound, "order_not_found", false},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal", false},
	}
	gin.SetMode(gin.TestMode)
	for _, tc := range cases {
		r := gin.New()
		r.GET("/x", func(c *gin.Context) { writeError(c, tc.err) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != tc.status || !strings.Contains(w.Body.String(), `"`+tc.code+`"`) {
			t.Fatalf("err=%v status=%d body=%s", tc.err, w.Code, w.Body.String())
		}
		if got := w.Header().Get("Retry-After") != ""; got != tc.retry {
			t.Fatalf("err=%v Retry-After presente=%v", tc.err, got)
		}
	}
}

func TestOpenIntent_CatalogDownIsRetryable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.catalog.Close()

	w := env.do(http.MethodPost, "/checkout/intent", bearer(t, "user-1"), cartBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s (esperaba 503)", w.Code, w.Body.String())
	}
	if n := env.gw.calls.Load(); n != 0 {
		t.Fatalf("gateway no debía llamarse, calls=%d", n)
	}
}

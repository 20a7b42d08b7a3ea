package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MikeMC777/checkout-settlement/internal/httpx"
	"github.com/MikeMC777/checkout-settlement/internal/order"
	"github.com/MikeMC777/checkout-settlement/internal/payment"
)

const retryAfterSeconds = "5"

// writeError maps the order error taxonomy onto HTTP.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrInvalidOrderRequest):
		httpx.Abort(c, http.StatusBadRequest, "invalid_order_request", err.Error())
	case errors.Is(err, order.ErrGatewayUnavailable):
		c.Header("Retry-After", retryAfterSeconds)
		httpx.Abort(c, http.StatusServiceUnavailable, "gateway_unavailable", "payment gateway unavailable, retry with the same idempotency key")
	case errors.Is(err, order.ErrUpstreamUnavailable):
		c.Header("Retry-After", retryAfterSeconds)
		httpx.Abort(c, http.StatusServiceUnavailable, "upstream_unavailable", "a dependency is unavailable, retry later")
	case errors.Is(err, order.ErrSignatureInvalid):
		httpx.Abort(c, http.StatusUnauthorized, "signature_invalid", "")
	case errors.Is(err, order.ErrOrderNotPayable):
		httpx.Abort(c, http.StatusConflict, "order_not_payable", err.Error())
	case errors.Is(err, order.ErrIllegalTransition):
		httpx.Abort(c, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, order.ErrConcurrencyConflict):
		httpx.Abort(c, http.StatusConflict, "concurrency_conflict", "order changed concurrently, retry")
	case errors.Is(err, order.ErrNotFound):
		httpx.Abort(c, http.StatusNotFound, "order_not_found", "")
	default:
		slog.ErrorContext(c.Request.Context(), "unhandled_error", "path", c.FullPath(), "error", err)
		httpx.Abort(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

// openIntentHandler godoc
// @Summary      Open a payment intent for the cart
// @Tags         checkout
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key  header  string                          false  "Used when the body omits idempotency_key"
// @Param        request          body    payment.CheckoutIntentRequest  true   "Cart"
// @Success      201  {object}  payment.CheckoutIntentResponse
// @Success      200  {object}  payment.CheckoutIntentResponse  "Replay of an earlier request"
// @Failure      400  {object}  httpx.HTTPError
// @Failure      401  {object}  httpx.HTTPError
// @Failure      503  {object}  httpx.HTTPError
// @Router       /checkout/intent [post]
func openIntentHandler(svc *payment.IntentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.CheckoutIntentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.Abort(c, http.StatusBadRequest, "invalid_order_request", "invalid json: "+err.Error())
			return
		}
		if strings.TrimSpace(req.IdempotencyKey) == "" {
			req.IdempotencyKey = c.GetHeader("Idempotency-Key")
		}

		res, err := svc.Checkout(c.Request.Context(), req.ToCheckout(httpx.UserRef(c)))
		if err != nil {
			writeError(c, err)
			return
		}
		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, payment.IntentResponse(res))
	}
}

// confirmPaymentHandler godoc
// @Summary      Confirm a gateway payment callback
// @Description  The HMAC signature over intent and payment id authenticates the caller.
// @Tags         checkout
// @Accept       json
// @Produce      json
// @Param        request  body      payment.ConfirmRequest  true  "Gateway callback"
// @Success      200      {object}  payment.ConfirmResponse
// @Failure      401      {object}  payment.ConfirmResponse
// @Failure      404      {object}  payment.ConfirmResponse
// @Failure      409      {object}  payment.ConfirmResponse
// @Router       /checkout/confirm [post]
func confirmPaymentHandler(v *payment.Verifier, log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		var req payment.ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			log.WarnContext(c.Request.Context(), "confirm_rejected", "ip", c.ClientIP(), "reason", "malformed body", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, payment.ConfirmResponse{Error: string(payment.ReasonSignatureInvalid)})
			return
		}
		res, err := v.ConfirmPayment(c.Request.Context(), req.GatewayIntentID, req.GatewayPaymentID, req.Signature)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, payment.ConfirmResponseOf(res))
		case errors.Is(err, order.ErrSignatureInvalid):
			log.WarnContext(c.Request.Context(), "confirm_rejected", "ip", c.ClientIP(), "gateway_intent_id", req.GatewayIntentID)
			c.AbortWithStatusJSON(http.StatusUnauthorized, payment.ConfirmResponseOf(res))
		case errors.Is(err, order.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, payment.ConfirmResponseOf(res))
		case errors.Is(err, order.ErrOrderNotPayable):
			c.AbortWithStatusJSON(http.StatusConflict, payment.ConfirmResponseOf(res))
		default:
			writeError(c, err)
		}
	}
}

// ownedOrder loads the order and hides orders of other users as not found.
func ownedOrder(c *gin.Context, ledger *order.Ledger) (*order.Order, bool) {
	o, err := ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !o.OwnedBy(httpx.UserRef(c)) {
		writeError(c, order.ErrNotFound)
		return nil, false
	}
	return o, true
}

// getOrderHandler godoc
// @Summary      Get an order
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Order ID"
// @Success      200  {object}  order.OrderView
// @Failure      404  {object}  httpx.HTTPError
// @Router       /orders/{id} [get]
func getOrderHandler(ledger *order.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, ok := ownedOrder(c, ledger)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, order.ViewOf(o))
	}
}

// cancelOrderHandler godoc
// @Summary      Cancel an order awaiting payment
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Order ID"
// @Success      200  {object}  order.OrderView
// @Failure      404  {object}  httpx.HTTPError
// @Failure      409  {object}  httpx.HTTPError
// @Router       /orders/{id}/cancel [post]
func cancelOrderHandler(ledger *order.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, ok := ownedOrder(c, ledger)
		if !ok {
			return
		}
		o, err := ledger.Cancel(c.Request.Context(), o.ID, "")
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, order.ViewOf(o))
	}
}

func healthHandler(c *gin.Context) { c.String(http.StatusOK, "ok") }

func registerRoutes(r gin.IRouter, h routes) {
	r.GET("/healthz", healthHandler)

	authed := httpx.Auth(h.tokens)
	r.POST("/checkout/intent", authed, openIntentHandler(h.intents))
	r.POST("/checkout/confirm", confirmPaymentHandler(h.verifier, h.log))
	r.GET("/orders/:id", authed, getOrderHandler(h.ledger))
	r.POST("/orders/:id/cancel", authed, cancelOrderHandler(h.ledger))
}

type routes struct {
	tokens   httpx.TokenVerifier
	intents  *payment.IntentService
	verifier *payment.Verifier
	ledger   *order.Ledger
	log      *slog.Logger
}

// Package docs is generated by swag init from the settlement-service annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/checkout/intent": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["checkout"],
                "summary": "Open a payment intent for the cart",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Used when the body omits idempotency_key",
                        "name": "Idempotency-Key",
                        "in": "header"
                    },
                    {
                        "description": "Cart",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/payment.CheckoutIntentRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "Replay of an earlier request", "schema": {"$ref": "#/definitions/payment.CheckoutIntentResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/payment.CheckoutIntentResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httpx.HTTPError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httpx.HTTPError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/checkout/confirm": {
            "post": {
                "description": "The HMAC signature over intent and payment id authenticates the caller.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["checkout"],
                "summary": "Confirm a gateway payment callback",
                "parameters": [
                    {
                        "description": "Gateway callback",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/payment.ConfirmRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/payment.ConfirmResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/payment.ConfirmResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/payment.ConfirmResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/payment.ConfirmResponse"}}
                }
            }
        },
        "/orders/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Get an order",
                "parameters": [
                    {"type": "string", "description": "Order ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/order.OrderView"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        },
        "/orders/{id}/cancel": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Cancel an order awaiting payment",
                "parameters": [
                    {"type": "string", "description": "Order ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/order.OrderView"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httpx.HTTPError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httpx.HTTPError"}}
                }
            }
        }
    },
    "definitions": {
        "httpx.HTTPError": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "invalid_order_request"},
                "message": {"type": "string"}
            }
        },
        "order.LineItemView": {
            "type": "object",
            "properties": {
                "line_ordinal": {"type": "integer", "example": 0},
                "product_ref": {"type": "string", "example": "A"},
                "quantity": {"type": "integer", "example": 2},
                "unit_price": {"type": "string", "example": "149.00"},
                "line_subtotal": {"type": "string", "example": "298.00"}
            }
        },
        "order.OrderView": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string", "example": "awaiting_payment"},
                "currency": {"type": "string", "example": "INR"},
                "subtotal": {"type": "string", "example": "298.00"},
                "discount": {"type": "string", "example": "0.00"},
                "shipping_cost": {"type": "string", "example": "0.00"},
                "tax": {"type": "string", "example": "0.00"},
                "total": {"type": "string", "example": "298.00"},
                "gateway_intent_id": {"type": "string"},
                "gateway_payment_id": {"type": "string"},
                "failure_reason": {"type": "string"},
                "version": {"type": "integer"},
                "created_at": {"type": "string"},
                "paid_at": {"type": "string"},
                "failed_at": {"type": "string"},
                "cancelled_at": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/order.LineItemView"}}
            }
        },
        "payment.CheckoutItemRequest": {
            "type": "object",
            "properties": {
                "product_ref": {"type": "string", "example": "A"},
                "quantity": {"type": "integer", "example": 2}
            }
        },
        "payment.CheckoutIntentRequest": {
            "type": "object",
            "properties": {
                "idempotency_key": {"type": "string", "example": "cart-7f3a-attempt-1"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/payment.CheckoutItemRequest"}},
                "shipping_cost": {"type": "string", "example": "0"},
                "tax": {"type": "string", "example": "0"},
                "discount": {"type": "string", "example": "0"},
                "currency": {"type": "string", "example": "INR"},
                "declared_total": {"type": "string", "example": "298"}
            }
        },
        "payment.CheckoutIntentResponse": {
            "type": "object",
            "properties": {
                "order_id": {"type": "string"},
                "status": {"type": "string", "example": "awaiting_payment"},
                "currency": {"type": "string", "example": "INR"},
                "total": {"type": "string", "example": "298.00"},
                "gateway_intent_id": {"type": "string"},
                "client_secret": {"type": "string"},
                "replayed": {"type": "boolean"}
            }
        },
        "payment.ConfirmRequest": {
            "type": "object",
            "properties": {
                "gateway_intent_id": {"type": "string"},
                "gateway_payment_id": {"type": "string", "example": "pay_123"},
                "signature": {"type": "string"}
            }
        },
        "payment.ConfirmResponse": {
            "type": "object",
            "properties": {
                "verified": {"type": "boolean"},
                "order_id": {"type": "string"},
                "order_status": {"type": "string", "example": "paid"},
                "error": {"type": "string", "example": "signature_invalid"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Checkout Settlement API",
	Description:      "Payment intents, gateway confirmations and order settlement.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

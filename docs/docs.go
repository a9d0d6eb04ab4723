// Package docs holds the Swagger document served at /swagger/*.
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
        "/accounts": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Open a checking or savings account with a zero balance for an existing client",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Accounts"],
                "summary": "Provision account",
                "parameters": [
                    {
                        "description": "Provisioning request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/handlers.ProvisionAccountRequest"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.AccountResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/accounts/{accountNumber}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Read an account by its account number",
                "produces": ["application/json"],
                "tags": ["Accounts"],
                "summary": "Get account",
                "parameters": [
                    {"type": "string", "description": "Account number", "name": "accountNumber", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.AccountResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/accounts/{accountNumber}/status": {
            "put": {
                "security": [{"BearerAuth": []}],
                "description": "Move an account between active and blocked, or deactivate it once its balance is zero",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Accounts"],
                "summary": "Change account status",
                "parameters": [
                    {"type": "string", "description": "Account number", "name": "accountNumber", "in": "path", "required": true},
                    {
                        "description": "Target status",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/handlers.ChangeStatusRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.AccountResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/transfers": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Move funds between two accounts, or between an account and an external counterpart",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Transfers"],
                "summary": "Transfer funds",
                "parameters": [
                    {
                        "description": "Transfer request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/handlers.TransferRequest"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.TransferResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/services.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        },
        "/audit/{entityType}/{entityId}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "List the audit events of an entity, oldest first, within [from, to)",
                "produces": ["application/json"],
                "tags": ["Audit"],
                "summary": "Audit trail",
                "parameters": [
                    {"type": "string", "example": "account", "description": "Entity type", "name": "entityType", "in": "path", "required": true},
                    {"type": "string", "description": "Entity id", "name": "entityId", "in": "path", "required": true},
                    {"type": "string", "description": "RFC 3339 lower bound (inclusive)", "name": "from", "in": "query"},
                    {"type": "string", "description": "RFC 3339 upper bound (exclusive), defaults to now", "name": "to", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.AuditEvent"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/services.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ProvisionAccountRequest": {
            "type": "object",
            "required": ["accountType", "clientId"],
            "properties": {
                "accountType": {"type": "string"},
                "clientId": {"type": "integer"}
            }
        },
        "handlers.ChangeStatusRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {
                "status": {"type": "string"}
            }
        },
        "handlers.AccountResponse": {
            "type": "object",
            "properties": {
                "accountId": {"type": "integer"},
                "accountNumber": {"type": "string"},
                "accountType": {"type": "string"},
                "balance": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "handlers.TransferRequest": {
            "type": "object",
            "required": ["kind"],
            "properties": {
                "amount": {"type": "string", "example": "100.00"},
                "description": {"type": "string", "maxLength": 255},
                "destination": {"type": "string"},
                "kind": {"type": "string"},
                "origin": {"type": "string"}
            }
        },
        "handlers.TransferResponse": {
            "type": "object",
            "properties": {
                "amount": {"type": "string"},
                "destinationRef": {"type": "string"},
                "kind": {"type": "string"},
                "movementId": {"type": "string"},
                "originRef": {"type": "string"},
                "status": {"type": "string"},
                "timestamp": {"type": "string"}
            }
        },
        "models.AuditEvent": {
            "type": "object",
            "properties": {
                "action": {"type": "string"},
                "actor_id": {"type": "string"},
                "after": {"type": "object", "additionalProperties": true},
                "before": {"type": "object", "additionalProperties": true},
                "created_at": {"type": "string"},
                "entity_id": {"type": "string"},
                "entity_type": {"type": "string"},
                "id": {"type": "string"},
                "ip_address": {"type": "string"},
                "user_agent": {"type": "string"}
            }
        },
        "services.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {"type": "object", "additionalProperties": {"type": "string"}},
                "kind": {"type": "string"},
                "message": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Ledger API",
	Description:      "Account provisioning, transfers and audit trail of the ledger core",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

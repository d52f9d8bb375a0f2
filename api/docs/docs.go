// Package docs registers the OpenAPI document served under /ledger/swagger-ui.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/ledger/transactions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["transactions"],
                "summary": "List transactions by kind and/or party",
                "parameters": [
                    {"type": "string", "name": "kind", "in": "query"},
                    {"type": "string", "name": "party", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["transactions"],
                "summary": "Submit a transaction",
                "parameters": [
                    {"name": "transaction", "in": "body", "required": true, "schema": {"$ref": "#/definitions/rest.SubmitRequest"}}
                ],
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}, "503": {"description": "Service Unavailable"}}
            }
        },
        "/ledger/transactions/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["transactions"],
                "summary": "Get a transaction and its confirmation status",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/ledger/blocks/head": {
            "get": {"produces": ["application/json"], "tags": ["blocks"], "summary": "Chain head", "responses": {"200": {"description": "OK"}}}
        },
        "/ledger/blocks/{height}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["blocks"],
                "summary": "Block at height",
                "parameters": [{"type": "integer", "name": "height", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/ledger/integrity": {
            "get": {"produces": ["application/json"], "tags": ["ledger"], "summary": "Verify the whole chain from genesis", "responses": {"200": {"description": "OK"}}}
        },
        "/ledger/events": {
            "get": {"produces": ["text/event-stream"], "tags": ["ledger"], "summary": "Stream ledger events", "responses": {"200": {"description": "OK"}}}
        },
        "/ledger/status": {
            "get": {"produces": ["application/json"], "tags": ["node"], "summary": "Node status", "responses": {"200": {"description": "OK"}}}
        },
        "/ledger/sync": {
            "post": {"produces": ["application/json"], "tags": ["node"], "summary": "Run a chain sync round", "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}}
        },
        "/ledger/validators": {
            "get": {"produces": ["application/json"], "tags": ["validators"], "summary": "Validator reputations", "responses": {"200": {"description": "OK"}}}
        },
        "/ledger/validators/self": {
            "post": {"produces": ["application/json"], "tags": ["validators"], "summary": "Register this node as a validator", "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}}},
            "delete": {"produces": ["application/json"], "tags": ["validators"], "summary": "Deregister this node", "responses": {"200": {"description": "OK"}}}
        }
    },
    "definitions": {
        "rest.SubmitRequest": {
            "type": "object",
            "required": ["kind", "payload"],
            "properties": {
                "kind": {"type": "string", "enum": ["message", "emergency", "location", "network", "system"]},
                "payload": {"type": "object"},
                "recipient": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "aidchain ledger API",
	Description:      "Permissioned ledger for emergency coordination.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

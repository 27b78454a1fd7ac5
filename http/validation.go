package http

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const (
	addressPattern = `^0x[0-9a-fA-F]{40}$`
	uintPattern    = `^[0-9]+$`
)

var relaySchema = mustSchema(`{
	"type": "object",
	"required": ["payer", "intent", "signature"],
	"properties": {
		"payer": {"type": "string"},
		"intent": {
			"type": "object",
			"required": ["from", "token", "to", "amount", "nonce", "deadline"],
			"properties": {
				"from": {"type": "string"},
				"token": {"type": "string"},
				"to": {"type": "string"},
				"amount": {"type": "string"},
				"nonce": {"type": "string"},
				"deadline": {"type": "string"}
			}
		},
		"domain": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"version": {"type": "string"},
				"chainId": {"type": "string"},
				"verifyingContract": {"type": "string"}
			}
		},
		"signature": {"type": "string"},
		"authorization": {"$ref": "#/definitions/authorization"}
	},
	"definitions": {"authorization": ` + authorizationSchema + `}
}`)

var nonceSchema = mustSchema(`{
	"type": "object",
	"required": ["payer"],
	"properties": {
		"payer": {"type": "string"},
		"authorization": {"$ref": "#/definitions/authorization"}
	},
	"definitions": {"authorization": ` + authorizationSchema + `}
}`)

const authorizationSchema = `{
	"type": "object",
	"required": ["chainId", "address", "nonce", "signature"],
	"properties": {
		"chainId": {"type": "string"},
		"address": {"type": "string"},
		"nonce": {"type": "integer", "minimum": 0},
		"signature": {"type": "string"}
	}
}`

var storeKeySchema = mustSchema(`{
	"type": "object",
	"required": ["key"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"key": {"type": "string", "minLength": 1},
		"expiresAt": {"type": "integer", "minimum": 0}
	}
}`)

var paymentSchema = mustSchema(`{
	"type": "object",
	"required": ["sessionId", "amount", "recipient", "token"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"amount": {"type": "string", "pattern": "` + uintPattern + `"},
		"recipient": {"type": "string", "pattern": "` + addressPattern + `"},
		"token": {"type": "string", "pattern": "` + addressPattern + `"},
		"chainId": {"type": "string", "pattern": "` + uintPattern + `"},
		"deadline": {"type": "string", "pattern": "` + uintPattern + `"}
	}
}`)

var sessionPaySchema = mustSchema(`{
	"type": "object",
	"required": ["sessionId"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"payment": {"type": "object"}
	}
}`)

var statusSchema = mustSchema(`{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "string", "enum": ["completed", "failed"]}
	}
}`)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid schema: %v", err))
	}
	return schema
}

// validateBody checks body against schema and returns the violations.
func validateBody(schema *gojsonschema.Schema, body []byte) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return violations, nil
}

// Package api holds the HTTP API description served at GET /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document for the coordinator API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte

// Package apidocs embeds the OpenAPI description of the control plane.
package apidocs

import _ "embed"

// Spec is the raw openapi.yaml document.
//
//go:embed openapi.yaml
var Spec []byte

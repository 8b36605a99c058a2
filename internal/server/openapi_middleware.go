package server

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	apidocs "mnrestd/docs/api"
	"mnrestd/internal/api"
)

var registerDecoders sync.Once

// openAPIValidator validates incoming API requests against the embedded OpenAPI spec.
type openAPIValidator struct {
	router routers.Router
}

// newOpenAPIValidator loads the embedded OpenAPI doc and prepares a router for validation.
func newOpenAPIValidator() (*openAPIValidator, error) {
	registerDecoders.Do(func() {
		openapi3filter.RegisterBodyDecoder("text/yaml", yamlBodyDecoder)
	})
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(apidocs.Spec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	r, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: r}, nil
}

// Middleware returns a gin middleware validating requests for routes the
// document describes. Routes it does not describe fall through to the router,
// which answers 404.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			// Bearer tokens are checked by authMiddleware.
			Options: &openapi3filter.Options{
				AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error { return nil },
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			abortWithKind(c, http.StatusBadRequest, api.KindInvalidRequest, validationMessage(err))
			return
		}
		c.Next()
	}
}

func validationMessage(err error) string {
	return "request failed validation: " + err.Error()
}

func yamlBodyDecoder(body io.Reader, _ http.Header, _ *openapi3.SchemaRef, _ openapi3filter.EncodingFn) (any, error) {
	var value any
	if err := yaml.NewDecoder(body).Decode(&value); err != nil {
		return nil, &openapi3filter.ParseError{Kind: openapi3filter.KindInvalidFormat, Cause: err}
	}
	return value, nil
}

package swagger

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"
)

// DocPath is where the router serves the embedded OpenAPI document.
const DocPath = "/openapi.yml"

// Handler serves the swagger UI for the document at docURL.
func Handler(docURL string) http.Handler {
	if docURL == "" {
		docURL = DocPath
	}
	return httpSwagger.Handler(
		httpSwagger.URL(docURL),
		httpSwagger.DocExpansion("list"),
		httpSwagger.DomID("swagger-ui"),
	)
}

package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

const specPath = "/openapi.yaml"

//go:embed openapi.yaml
var openapiSpec []byte

// SpecHandler serves the embedded OpenAPI document.
func SpecHandler(c echo.Context) error {
	return c.Blob(http.StatusOK, "application/yaml", openapiSpec)
}

// SwaggerHandler serves a Swagger UI page for the document; the UI assets
// load from unpkg.
func SwaggerHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, fmt.Sprintf(swaggerPage, specPath))
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>chainflow API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: %q, dom_id: "#swagger-ui", deepLinking: true, tryItOutEnabled: true });
  </script>
</body>
</html>`

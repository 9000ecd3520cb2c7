package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI document. The embedded file contains an
// {oktaIssuer} placeholder that is replaced with the configured issuer.
func SpecHandler(oktaIssuer string) echo.HandlerFunc {
	spec := strings.ReplaceAll(openAPISpec, "{oktaIssuer}", oktaIssuer)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}

// SwaggerHandler serves a Swagger UI page for /openapi.yaml using the
// CDN-hosted assets. With clientID set the UI offers an Authorize button
// that runs the PKCE flow against the same issuer as the API.
func SwaggerHandler(clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		html := strings.ReplaceAll(swaggerHTML, "${SPEC_URL}", "/openapi.yaml")
		html = strings.ReplaceAll(html, "${OAUTH2_REDIRECT}", scheme+"://"+r.Host+"/docs/oauth2-redirect.html")
		html = strings.ReplaceAll(html, "${CLIENT_ID}", clientID)
		return c.HTML(http.StatusOK, html)
	}
}

// OAuth2RedirectHandler serves the OAuth2 redirect page used by Swagger UI.
func OAuth2RedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Workflow Builder API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;
    if ("${CLIENT_ID}" !== "") {
      ui.initOAuth({
        clientId: "${CLIENT_ID}",
        usePkceWithAuthorizationCodeGrant: true,
      });
    }
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`

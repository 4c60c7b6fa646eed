package oauth

import (
	"fmt"
	"html"
	"net/http"

	"github.com/stackmesh/bastion/pkg/logger"
)

const pageStyle = `
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .container { max-width: 600px; margin: 0 auto; }
        .message { padding: 20px; border-radius: 5px; margin: 20px 0; }
        .success { background-color: #e7f6e7; border: 1px solid #b3e6b3; color: #006600; }
        .error { background-color: #ffe7e7; border: 1px solid #ffb3b3; color: #cc0000; }
        .info { background-color: #e7f3ff; border: 1px solid #b3d9ff; color: #0066cc; }`

// setSecurityHeaders sets common security headers for all callback pages.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy",
		"default-src 'self'; style-src 'unsafe-inline'; script-src 'none'; object-src 'none';")
}

func writePage(w http.ResponseWriter, title, class, body string) {
	content := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>%s
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <div class="message %s">
            <p>%s</p>
        </div>
    </div>
</body>
</html>`, title, pageStyle, title, class, body)

	if _, err := w.Write([]byte(content)); err != nil {
		logger.Warnf("Failed to write callback page: %v", err)
	}
}

func writeSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	writePage(w, "Authentication Successful", "success",
		"You have successfully authenticated. You can close this window and return to the terminal.")
}

func writeErrorPage(w http.ResponseWriter, err error) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusBadRequest)
	writePage(w, "Authentication Failed", "error",
		html.EscapeString(err.Error())+"<br>Please try again or contact support if the problem persists.")
}

// writeCompletedPage answers duplicate callback requests after the flow
// has already resolved.
func writeCompletedPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusGone)
	writePage(w, "Flow Already Completed", "info",
		"This authorization flow has already finished. You can close this window.")
}

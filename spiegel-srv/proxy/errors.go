package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Listener and Startup Errors (E1000-E1999)
	ErrCodeListenerBindFailed = "E1001"
	ErrCodePortsExhausted     = "E1002"
	ErrCodeServerStopped      = "E1003"

	// Authentication Errors (E2000-E2999)
	ErrCodeAuthMissing   = "E2001"
	ErrCodeAuthMalformed = "E2002"
	ErrCodeAuthRejected  = "E2003"

	// Target Parsing Errors (E3000-E3999)
	ErrCodeTargetParseFailed  = "E3001"
	ErrCodeInvalidAuthority   = "E3002"
	ErrCodeInvalidPort        = "E3003"
	ErrCodeHostnameGrammar    = "E3004"
	ErrCodeRewriteUnavailable = "E3005"

	// Upstream Connect Errors (E4000-E4999)
	ErrCodeUpstreamDialFailed    = "E4001"
	ErrCodeUpstreamTLSFailed     = "E4002"
	ErrCodeSessionConstructError = "E4003"
	ErrCodeUpstreamConnectFailed = "E4004"

	// Upstream Stream Errors (E5000-E5999)
	ErrCodeUpstreamStreamError = "E5001"
	ErrCodeResponseCopyFailed  = "E5002"
	ErrCodeTunnelSpliceFailed  = "E5003"

	// Protocol Errors (E6000-E6999)
	ErrCodeDetectionTimeout   = "E6001"
	ErrCodeHijackFailed       = "E6002"
	ErrCodeHijackNotSupported = "E6003"
	ErrCodeUpgradeFailed      = "E6004"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerBindFailed: "Failed to bind proxy listener",
	ErrCodePortsExhausted:     "All candidate listener ports are in use",
	ErrCodeServerStopped:      "Proxy server has been stopped",

	ErrCodeAuthMissing:   "Missing proxy authorization header",
	ErrCodeAuthMalformed: "Malformed proxy authorization header",
	ErrCodeAuthRejected:  "Proxy credentials rejected",

	ErrCodeTargetParseFailed:  "Failed to parse request target",
	ErrCodeInvalidAuthority:   "Invalid CONNECT authority",
	ErrCodeInvalidPort:        "Invalid port number",
	ErrCodeHostnameGrammar:    "Hostname does not match a routing grammar",
	ErrCodeRewriteUnavailable: "No routing policy available for rewrite",

	ErrCodeUpstreamDialFailed:    "Failed to dial upstream server",
	ErrCodeUpstreamTLSFailed:     "TLS handshake with upstream server failed",
	ErrCodeSessionConstructError: "Failed to construct upstream HTTP/2 session",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeUpstreamStreamError: "Upstream stream error after response started",
	ErrCodeResponseCopyFailed:  "Failed to copy upstream response",
	ErrCodeTunnelSpliceFailed:  "Tunnel relay terminated with error",

	ErrCodeDetectionTimeout:   "No protocol decision within detection window",
	ErrCodeHijackFailed:       "Failed to hijack client connection",
	ErrCodeHijackNotSupported: "Connection hijacking not supported",
	ErrCodeUpgradeFailed:      "Protocol upgrade forwarding failed",

	ErrCodeInternalError: "Internal proxy error",
}

// NewListenerError creates a listener/startup-related error
func NewListenerError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewTargetError creates a target-parsing-related error
func NewTargetError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewUpstreamError creates an upstream-connect-related error
func NewUpstreamError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsUpstreamConnectError checks if the error happened before any response bytes
// were produced, i.e. it is still safe to answer the client with 502.
func IsUpstreamConnectError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E4000" && proxyErr.Code < "E5000"
	}
	return false
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// It populates the response body with the error code and its description in HTML format.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p>The preview proxy could not reach the upstream host.</p>
    <p>Error Code: %s</p>
    <p>Description: %s</p>
</body>
</html>`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}

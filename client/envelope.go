package client

import (
	"encoding/json"
	"net/http"
)

// Response is the normalized envelope every gateway call resolves to,
// regardless of whether the backend wraps its payload or returns it bare.
type Response struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	StatusCode int             `json:"statusCode"`
}

// networkFailureMessage is deliberately generic: transport details never
// leak to the UI.
const networkFailureMessage = "network unavailable, please try again"

// normalizeResponse folds a raw HTTP status and body into the envelope.
// If the body is already an envelope (has a "success" field) it passes
// through with the status code filled in; otherwise the bare body is wrapped.
func normalizeResponse(statusCode int, body []byte) Response {
	if len(body) > 0 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err == nil {
			if _, wrapped := probe["success"]; wrapped {
				var resp Response
				if err := json.Unmarshal(body, &resp); err == nil {
					resp.StatusCode = statusCode
					return resp
				}
			}
		}
	}

	if statusCode >= http.StatusBadRequest {
		return Response{
			Success:    false,
			Message:    errorMessageFromBody(body, statusCode),
			StatusCode: statusCode,
		}
	}

	return Response{
		Success:    true,
		Data:       json.RawMessage(body),
		StatusCode: statusCode,
	}
}

// networkFailureResponse is the envelope for requests that never produced a
// response (DNS failure, connection reset, cancellation).
func networkFailureResponse() Response {
	return Response{
		Success: false,
		Message: networkFailureMessage,
	}
}

func sessionExpiredResponse() Response {
	return Response{
		Success:    false,
		Message:    "session expired",
		StatusCode: http.StatusUnauthorized,
	}
}

func errorMessageFromBody(body []byte, statusCode int) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return http.StatusText(statusCode)
}

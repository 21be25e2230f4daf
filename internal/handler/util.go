package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/board"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
)

// ToEvent converts an HTTP request into the API Gateway request shape the
// handlers take. Multi-valued headers and query parameters keep their first
// value.
func ToEvent(r *http.Request) (events.APIGatewayProxyRequest, error) {
	var body []byte
	if r.Body != nil {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return events.APIGatewayProxyRequest{}, err
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v[0]
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}

	return events.APIGatewayProxyRequest{
		Path:                  r.URL.Path,
		HTTPMethod:            r.Method,
		Headers:               headers,
		QueryStringParameters: query,
		PathParameters:        make(map[string]string),
		Body:                  string(body),
	}, nil
}

// WriteResponse copies an API Gateway response onto w.
func WriteResponse(w http.ResponseWriter, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, resp.Body); err != nil {
		glog.V(1).Infof("write response: %v", err)
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		glog.Errorf("encode response: %v", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

func textResponse(status int, msg string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: msg}
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, board.ErrUnknownShape), errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case remote.IsPermission(err):
		return http.StatusForbidden
	case errors.Is(err, board.ErrClosed):
		return http.StatusGone
	case remote.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) events.APIGatewayProxyResponse {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		glog.Errorf("handler: %v", err)
		return textResponse(status, "Internal Server Error")
	}
	return jsonResponse(status, map[string]string{"error": err.Error()})
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	if err := json.Unmarshal([]byte(req.Body), v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", model.ErrInvalid, err)
	}
	return nil
}

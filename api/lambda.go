package api

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// jsonHeaders builds a fresh header map per response; callers may mutate it.
func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

// HandleAPIGateway serves an API Gateway proxy event. Failures are reported
// in the response; the returned error is always nil so Lambda never retries
// a request.
func (r *Router) HandleAPIGateway(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusBadRequest,
				Headers:    jsonHeaders(),
				Body:       `{"message":"invalid request body"}`,
			}, nil
		}
		body = decoded
	}

	resp := r.Handle(ctx, Request{
		Method: event.HTTPMethod,
		Path:   event.Path,
		Body:   body,
	})

	return events.APIGatewayProxyResponse{
		StatusCode: resp.Status,
		Headers:    jsonHeaders(),
		Body:       string(resp.Body),
	}, nil
}

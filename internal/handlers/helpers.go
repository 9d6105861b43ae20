package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"backend/internal/apperror"

	"github.com/aws/aws-lambda-go/events"
)

// owneridentity comes from the HTTP API JWT authorizer; the owner id is
// threaded explicitly from here down, no ambient session state.
func ownerIdentity(req events.APIGatewayV2HTTPRequest) (string, string, error) {
	if req.RequestContext.Authorizer.JWT.Claims == nil {
		return "", "", errors.New("missing authorizer claims")
	}
	claims := req.RequestContext.Authorizer.JWT.Claims
	sub := strings.TrimSpace(claims["sub"])
	if sub == "" {
		return "", "", fmt.Errorf("missing sub")
	}
	email := strings.TrimSpace(claims["email"])
	return sub, email, nil
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
		Body: string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

// appErrResp maps a classified error to a structured response; the cause
// goes to the log, the safe message to the caller.
func appErrResp(err error) (events.APIGatewayV2HTTPResponse, error) {
	ae := apperror.From(err)
	if ae.Err != nil {
		log.Printf("handler error: %v", ae)
	}
	return jsonResp(ae.HTTPStatus(), map[string]any{
		"error": ae.Message,
		"code":  string(ae.Code),
	})
}

// apperrMessage extracts the user-safe message for redirect-style error
// reporting.
func apperrMessage(err error) string {
	return apperror.From(err).Message
}

func redirectResp(location string) (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 302,
		Headers: map[string]string{
			"location": location,
		},
	}, nil
}

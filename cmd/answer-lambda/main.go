package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/groundguard/cmd/mainconfig"
	"github.com/wolfman30/groundguard/internal/app/bootstrap"
	appconfig "github.com/wolfman30/groundguard/internal/config"
	"github.com/wolfman30/groundguard/internal/guard"
	"github.com/wolfman30/groundguard/internal/http/handlers"
	"github.com/wolfman30/groundguard/internal/tenancy"
	"github.com/wolfman30/groundguard/pkg/logging"
)

type answerResponse struct {
	Text    string `json:"text"`
	Outcome string `json:"outcome"`
	AuditID string `json:"audit_id,omitempty"`
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		panic(err)
	}
	pool, err := bootstrap.BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		panic(err)
	}
	g, err := bootstrap.BuildGuard(ctx, cfg, bootstrap.Deps{
		AWS:    awsCfg,
		Pool:   pool,
		Redis:  bootstrap.BuildRedisClient(ctx, cfg, logger, true),
		Logger: logger,
	})
	if err != nil {
		panic(err)
	}

	lambda.Start(func(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp, err := handle(ctx, g.Service, logger, evt)
		// The sandbox freezes once the handler returns.
		g.Service.Wait()
		return resp, err
	})
}

// handle answers one API Gateway request. Tenant, user and region come from
// the JWT authorizer claims; the buffered body is returned once the stream
// is complete.
func handle(ctx context.Context, svc handlers.Answerer, logger *logging.Logger, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	if path == "/health" || path == "/_health" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "ok"}, nil
	}
	if path != "/v1/answer" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}, nil
	}
	if method != http.MethodPost {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusMethodNotAllowed}, nil
	}

	principal, ok := principalFromEvent(evt)
	if !ok {
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "unauthenticated"}), nil
	}

	raw, err := decodeBody(evt)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "invalid body"}), nil
	}
	var body handlers.AnswerBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"}), nil
	}

	req := guard.AnswerRequest{
		TenantID:       principal.TenantID,
		UserID:         principal.UserID,
		TenantRegion:   principal.Region,
		ConversationID: body.ConversationID,
		RequestID:      body.RequestID,
		Conversation:   body.Conversation,
		Context:        body.Context,
	}
	if req.RequestID == "" {
		req.RequestID = evt.RequestContext.RequestID
	}

	fragments, err := svc.Answer(ctx, req)
	if err != nil {
		if errors.Is(err, guard.ErrInvalidRequest) {
			return jsonResponse(http.StatusBadRequest, map[string]string{"error": err.Error()}), nil
		}
		logger.Error("answer failed to start", "tenant_id", principal.TenantID, "error", err)
		return jsonResponse(http.StatusInternalServerError, map[string]string{"error": "answer unavailable"}), nil
	}

	text, done := guard.Collect(fragments)
	return jsonResponse(http.StatusOK, answerResponse{Text: text, Outcome: done.Outcome, AuditID: done.AuditID}), nil
}

func principalFromEvent(evt events.APIGatewayV2HTTPRequest) (tenancy.Principal, bool) {
	if evt.RequestContext.Authorizer == nil || evt.RequestContext.Authorizer.JWT == nil {
		return tenancy.Principal{}, false
	}
	claims := evt.RequestContext.Authorizer.JWT.Claims
	p := tenancy.Principal{
		TenantID: strings.TrimSpace(claims["tenant_id"]),
		UserID:   strings.TrimSpace(claims["sub"]),
		Region:   strings.TrimSpace(claims["region"]),
	}
	return p, p.TenantID != "" && p.UserID != ""
}

func jsonResponse(status int, payload any) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(payload)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"content-type": "application/json"},
	}
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

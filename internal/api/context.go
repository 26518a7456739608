package api

import (
	"context"

	"github.com/lei/pushwatch/pkg/logger"
)

type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyAPIKeyName
	contextKeyRepo
	contextKeyRequestInfo
)

// requestInfo collects what inner middleware learns about a request so the
// logging middleware can put it on the completion line.
type requestInfo struct {
	repo       string
	apiKeyName string
}

func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, contextKeyRequestInfo, info), info
}

func getRequestInfo(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(contextKeyRequestInfo).(*requestInfo)
	return info
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// GetLogger retrieves the request-scoped logger from context
func GetLogger(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx)
}

// GetAPIKeyName retrieves the name of the API key the request authenticated with
func GetAPIKeyName(ctx context.Context) string {
	if name, ok := ctx.Value(contextKeyAPIKeyName).(string); ok {
		return name
	}
	return ""
}

// GetRepo retrieves the watched repository a /repos/{repo} request addresses
func GetRepo(ctx context.Context) string {
	if repo, ok := ctx.Value(contextKeyRepo).(string); ok {
		return repo
	}
	return ""
}

package common

import (
	"context"

	"github.com/teemow/imanage-mcp/internal/server"
	"github.com/teemow/imanage-mcp/internal/session"
)

// CallerFromContext returns the iManage user a tool call runs as.
// Calls authenticated through a user session report that session's identity;
// service-account calls report empty strings.
func CallerFromContext(ctx context.Context, sc *server.ServerContext) (userID, email string) {
	sessions := sc.Sessions()
	if sessions == nil {
		return "", ""
	}
	id, ok := session.IDFromContext(ctx)
	if !ok {
		return "", ""
	}
	us, ok := sessions.Session(id)
	if !ok {
		return "", ""
	}
	return us.UserInfo.ID, us.UserInfo.Email
}

// StringArg returns args[key] when it is a string.
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

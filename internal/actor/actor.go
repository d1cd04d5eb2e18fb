// Package actor wraps the browser-automation backend that performs platform
// actions on behalf of an account. The pipeline only sees this interface; the
// HTTP client below is the production adapter.
package actor

import "context"

// Result is the outcome of one platform action.
type Result struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Actor interface {
	// PostContent publishes text as a standalone post.
	PostContent(ctx context.Context, accountID, text string) (Result, error)
	// PostReply publishes text as a reply to targetURL.
	PostReply(ctx context.Context, accountID, targetURL, text string) (Result, error)
}

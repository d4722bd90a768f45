// Package router assigns session ids and produces routing suggestions from
// the intent classifier.
package router

import (
	"context"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deepyad/helpdesk/internal/intent"
	"github.com/deepyad/helpdesk/internal/logging"
)

// cacheSize bounds the classification cache. Support traffic repeats a lot
// of near-identical openers, so even a small cache hits often.
const cacheSize = 1024

// Result is the router's output for one request.
type Result struct {
	SessionID         string
	SuggestedAgentIDs []string
}

// Router classifies messages and assigns session ids. Safe for concurrent
// use: the classifier is immutable and the cache is internally locked.
type Router struct {
	classifier intent.Classifier
	cache      *lru.Cache[string, []string]
	logger     *logging.Logger
}

// New creates a session router around the given classifier.
func New(classifier intent.Classifier) (*Router, error) {
	cache, err := lru.New[string, []string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		classifier: classifier,
		cache:      cache,
		logger:     logging.GetLogger("router"),
	}, nil
}

// Route returns the session id (generating a fresh one when empty) and the
// classifier's ordered suggestions for the message.
func (r *Router) Route(ctx context.Context, userID, message, sessionID string) Result {
	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	key := strings.ToLower(strings.TrimSpace(message))
	if suggested, ok := r.cache.Get(key); ok {
		return Result{SessionID: sid, SuggestedAgentIDs: append([]string(nil), suggested...)}
	}

	suggested := r.classifier.Classify(ctx, message)
	r.cache.Add(key, suggested)
	r.logger.DebugWithFields("routed message",
		logging.Field("user_id", userID),
		logging.Field("suggested", suggested),
	)
	return Result{SessionID: sid, SuggestedAgentIDs: append([]string(nil), suggested...)}
}

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
)

// graphQLRequest is the standard GraphQL POST body.
type graphQLRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// buildSchema defines the conversation query API:
//
//	conversation(session_id: String!, limit: Int): Conversation
//	sessions(limit: Int): [SessionInfo!]
func (s *Server) buildSchema() (graphql.Schema, error) {
	turnType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Turn",
		Fields: graphql.Fields{
			"role":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"content":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"metadata_json": &graphql.Field{Type: graphql.String},
		},
	})

	conversationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Conversation",
		Fields: graphql.Fields{
			"session_id": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"turns":      &graphql.Field{Type: graphql.NewList(turnType)},
		},
	})

	sessionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "SessionInfo",
		Fields: graphql.Fields{
			"session_id": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"conversation": &graphql.Field{
				Type: conversationType,
				Args: graphql.FieldConfigArgument{
					"session_id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"limit":      &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: s.resolveConversation,
			},
			"sessions": &graphql.Field{
				Type: graphql.NewList(sessionType),
				Args: graphql.FieldConfigArgument{
					"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 50},
				},
				Resolve: s.resolveSessions,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}

// resolveConversation returns a session's history, or nil when the session
// has no turns.
func (s *Server) resolveConversation(p graphql.ResolveParams) (interface{}, error) {
	sessionID, _ := p.Args["session_id"].(string)
	limit := 0
	if v, ok := p.Args["limit"].(int); ok {
		limit = v
	}

	turns, err := s.deps.Store.GetHistory(p.Context, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}

	out := make([]map[string]interface{}, 0, len(turns))
	for _, t := range turns {
		entry := map[string]interface{}{
			"role":    t.Role,
			"content": t.Content,
		}
		if len(t.Metadata) > 0 {
			if raw, err := json.Marshal(t.Metadata); err == nil {
				entry["metadata_json"] = string(raw)
			}
		}
		out = append(out, entry)
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"turns":      out,
	}, nil
}

// resolveSessions lists recent session ids.
func (s *Server) resolveSessions(p graphql.ResolveParams) (interface{}, error) {
	limit, _ := p.Args["limit"].(int)
	ids, err := s.deps.Store.ListSessions(p.Context, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{"session_id": id})
	}
	return out, nil
}

// handleGraphQL serves the conversation query API.
func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})
	writeJSON(w, http.StatusOK, result)
}

package rag

import "context"

// StubRetriever returns canned chunks. Used in tests and when no vector
// backend is configured.
type StubRetriever struct {
	// Chunks are returned for every query when set.
	Chunks []Chunk
	// Err is returned for every query when set.
	Err error
}

// Retrieve implements Retriever.
func (s *StubRetriever) Retrieve(_ context.Context, query string, topK int, _ map[string]string) ([]Chunk, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Chunks != nil {
		if len(s.Chunks) > topK {
			return s.Chunks[:topK], nil
		}
		return s.Chunks, nil
	}
	return []Chunk{
		{Content: "FAQ: see the getting started guide for common questions about " + query, Source: "kb/faq", Score: 0.5},
	}, nil
}

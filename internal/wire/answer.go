package wire

import (
	"encoding/json"
	"fmt"
)

// Answer is the notification payload for one completed (client, batch) request.
type Answer struct {
	Query        string   `json:"query"`
	TopKDocs     []string `json:"top_k_docs"`
	QueryBatchID uint32   `json:"query_batch_id"`
}

// EncodeAnswer renders a as JSON. An empty document list encodes as [].
func EncodeAnswer(a Answer) ([]byte, error) {
	if a.TopKDocs == nil {
		a.TopKDocs = []string{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	return data, nil
}

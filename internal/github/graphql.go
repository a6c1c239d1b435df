package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// GraphQL executes a query against /graphql and decodes the data object into
// out. GraphQL-level errors are returned as an APIError with status 200.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any, out any, source string) error {
	res, err := c.Do(ctx, RequestOptions{
		Method: http.MethodPost,
		Path:   "/graphql",
		Body:   graphqlRequest{Query: query, Variables: variables},
		Source: source,
	})
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(res.Data, &envelope); err != nil {
		return fmt.Errorf("failed to parse graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return &APIError{
			Status:       res.Status,
			Code:         envelope.Errors[0].Type,
			ResponseText: envelope.Errors[0].Message,
		}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to parse graphql data: %w", err)
		}
	}
	return nil
}

// Package monarch is a minimal client for the Monarch Money web API: login
// with a second factor and the paginated transaction listing.
package monarch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	loginPath   = "/auth/login/"
	graphqlPath = "/graphql"

	clientPlatform = "web"
	maxErrorBody   = 512
)

const transactionFields = `
      id
      amount
      pending
      date
      hideFromReports
      plaidName
      notes
      isRecurring
      reviewStatus
      reviewedAt
      needsReview
      isSplitTransaction
      isTransfer
      createdAt
      updatedAt
      attachments { id extension filename originalAssetUrl publicId sizeBytes }
      category { id name }
      merchant { id name transactionsCount }
      account { id displayName }
      tags { id name color order }`

const listTransactionsQuery = `query GetTransactionsList($offset: Int, $limit: Int, $filters: TransactionFilterInput, $orderBy: TransactionOrdering) {
  allTransactions(filters: $filters) {
    totalCount
    results(offset: $offset, limit: $limit, orderBy: $orderBy) {` + transactionFields + `
    }
  }
}`

const transactionDetailQuery = `query GetTransactionDrawer($id: UUID!) {
  getTransaction(id: $id) {` + transactionFields + `
  }
}`

// Client talks to one Monarch API base URL. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for baseURL, e.g. https://api.monarchmoney.com.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type loginBody struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	SupportsMFA   bool   `json:"supports_mfa"`
	TrustedDevice bool   `json:"trusted_device"`
	TOTP          string `json:"totp,omitempty"`
}

// Login exchanges credentials plus a TOTP code for a session token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (string, error) {
	const op = "Login"

	body, err := json.Marshal(loginBody{
		Username:    req.Email,
		Password:    req.Password,
		SupportsMFA: true,
		TOTP:        req.TOTP,
	})
	if err != nil {
		return "", &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	respBody, err := c.do(ctx, op, loginPath, "", body)
	if err != nil {
		return "", err
	}

	var out struct {
		Token  string `json:"token"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if out.Token == "" {
		msg := out.Detail
		if msg == "" {
			msg = "response has no token"
		}
		return "", &Error{Kind: KindAuthorization, Op: op, Message: msg}
	}
	return out.Token, nil
}

type graphqlRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// ListTransactions fetches one page of transactions ordered by date.
func (c *Client) ListTransactions(ctx context.Context, token string, q TransactionQuery) (*TransactionPage, error) {
	const op = "ListTransactions"

	data, err := c.graphql(ctx, op, token, graphqlRequest{
		OperationName: "GetTransactionsList",
		Query:         listTransactionsQuery,
		Variables: map[string]any{
			"offset":  q.Offset,
			"limit":   q.Limit,
			"orderBy": "date",
			"filters": map[string]any{
				"startDate":   q.StartDate,
				"endDate":     q.EndDate,
				"search":      "",
				"categories":  []string{},
				"accounts":    []string{},
				"tags":        []string{},
				"hasNotes":    false,
				"isSplit":     false,
				"isRecurring": false,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		AllTransactions *TransactionPage `json:"allTransactions"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if payload.AllTransactions == nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Message: "response has no allTransactions"}
	}
	return payload.AllTransactions, nil
}

// GetTransaction fetches the full detail record of one transaction.
func (c *Client) GetTransaction(ctx context.Context, token, id string) (*Transaction, error) {
	const op = "GetTransaction"

	data, err := c.graphql(ctx, op, token, graphqlRequest{
		OperationName: "GetTransactionDrawer",
		Query:         transactionDetailQuery,
		Variables:     map[string]any{"id": id},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		GetTransaction *Transaction `json:"getTransaction"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if payload.GetTransaction == nil {
		return nil, &Error{Kind: KindRemote, Op: op, Message: fmt.Sprintf("transaction %s not found", id)}
	}
	return payload.GetTransaction, nil
}

func (c *Client) graphql(ctx context.Context, op, token string, req graphqlRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	respBody, err := c.do(ctx, op, graphqlPath, token, body)
	if err != nil {
		return nil, err
	}

	var resp graphqlResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if len(resp.Errors) > 0 {
		return nil, classifyGraphQLErrors(op, resp.Errors)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, &Error{Kind: KindMalformed, Op: op, Message: "response has no data"}
	}
	return resp.Data, nil
}

// classifyGraphQLErrors prefers extensions.code. Errors without a code are
// matched on the message, since the service sometimes reports an expired
// session only as "401 Unauthorized" text inside a 200 response.
func classifyGraphQLErrors(op string, errs []graphqlError) *Error {
	msgs := make([]string, 0, len(errs))
	kind := KindRemote
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		switch e.Extensions.Code {
		case "UNAUTHENTICATED", "FORBIDDEN":
			kind = KindAuthorization
		case "":
			if isUnauthorizedMessage(e.Message) {
				kind = KindAuthorization
			}
		}
	}
	return &Error{Kind: kind, Op: op, Message: strings.Join(msgs, "; ")}
}

func isUnauthorizedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "401") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "unauthenticated")
}

func (c *Client) do(ctx context.Context, op, path, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindRemote, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Client-Platform", clientPlatform)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("monarch: %s: %w", op, err)
		}
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       kindForStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(respBody)), maxErrorBody),
		}
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

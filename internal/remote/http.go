package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// BatchHeader carries the number of items in an exchange request.
const BatchHeader = "X-Taskline-Batch"

const responseSchema = `{
  "type": "object",
  "required": ["outcomes"],
  "properties": {
    "outcomes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["task_id", "status"],
        "properties": {
          "entry_id": {"type": "integer", "minimum": 0},
          "task_id": {"type": "string"},
          "operation": {"type": "string"},
          "status": {"type": "string"},
          "resolved_snapshot": {"type": ["object", "null"]},
          "error": {"type": "string"},
          "retryable": {"type": ["boolean", "null"]}
        }
      }
    }
  }
}`

// HTTPClient posts batches to a remote authority endpoint.
type HTTPClient struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	schema     *jsonschema.Schema
}

func NewHTTPClient(endpoint string, timeout time.Duration) (*HTTPClient, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
		schema:     schema,
	}, nil
}

func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("parse response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("exchange-response.json", doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	return c.Compile("exchange-response.json")
}

func (c *HTTPClient) Exchange(ctx context.Context, items []Item) ([]Outcome, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.schema == nil {
		schema, err := compileResponseSchema()
		if err != nil {
			return nil, err
		}
		c.schema = schema
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(ExchangeRequest{Items: items}); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchHeader, strconv.Itoa(len(items)))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return c.decode(body)
}

func (c *HTTPClient) decode(body []byte) ([]Outcome, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var out ExchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.Outcomes, nil
}

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultAPITimeout = 60 * time.Second
	maxResponseSize   = 1024 * 1024
)

// APIError is an application-level rejection by the upload service: a non-2xx status,
// or a non-zero errno in a 2xx response.
type APIError struct {
	StatusCode int
	Errno      int
	Message    string
}

func (e *APIError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("upload service error %d (HTTP %d): %s", e.Errno, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upload service returned HTTP %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
	Data   json.RawMessage `json:"data"`
}

type prepareRequest struct {
	Category  string `json:"category"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	MimeType  string `json:"mime_type"`
	PartCount int    `json:"part_count,omitempty"`
}

type partURLResponse struct {
	PartNumber int    `json:"part_number"`
	URL        string `json:"url"`
	Method     string `json:"method"`
}

type prepareResponse struct {
	FileID    flexibleID        `json:"file_id"`
	UploadURL string            `json:"upload_url"`
	ObjectKey string            `json:"object_key"`
	ExpiresIn int64             `json:"expires_in"`
	UploadID  string            `json:"upload_id"`
	PartURLs  []partURLResponse `json:"part_urls"`
}

type completeRequest struct {
	Checksum string `json:"checksum"`
	UploadID string `json:"upload_id,omitempty"`
}

// flexibleID accepts both string and numeric ids.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("file_id is neither a string nor a number: %s", string(b))
	}
	*id = flexibleID(n.String())
	return nil
}

// APIClient implements Backend over the upload service's HTTP API:
// POST {baseURL}/prepare and POST {baseURL}/complete/{file_id}.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient creates a client for the upload service. The access token is optional.
// Requests are not retried; retries only happen at the part transfer level.
func NewAPIClient(baseURL string, accessToken string, logger log.Logger) *APIClient {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = defaultAPITimeout

	return newAPIClient(client, baseURL, accessToken, logger)
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Prepare requests an upload plan.
func (c *APIClient) Prepare(ctx context.Context, request PrepareRequest) (*Plan, error) {
	body := prepareRequest{
		Category:  request.Category,
		FileName:  request.FileName,
		FileSize:  request.FileSize,
		MimeType:  request.MimeType,
		PartCount: request.PartCount,
	}

	var response prepareResponse
	if err := c.post(ctx, c.baseURL+"/prepare", body, &response); err != nil {
		return nil, fmt.Errorf("prepare upload: %w", err)
	}

	plan := &Plan{
		FileID:    string(response.FileID),
		ObjectKey: response.ObjectKey,
		ExpiresIn: time.Duration(response.ExpiresIn) * time.Second,
		UploadURL: response.UploadURL,
		UploadID:  response.UploadID,
	}
	for _, part := range response.PartURLs {
		plan.Parts = append(plan.Parts, PartURL{
			Number: part.PartNumber,
			URL:    part.URL,
			Method: part.Method,
		})
	}
	if plan.FileID == "" {
		return nil, fmt.Errorf("prepare upload: %w", ErrMissingFileID)
	}

	c.logger.Debugf("Upload prepared: file_id=%s, parts=%d, expires in %s", plan.FileID, len(plan.Parts), plan.ExpiresIn)

	return plan, nil
}

// Complete commits the transferred file.
func (c *APIClient) Complete(ctx context.Context, request CompleteRequest) error {
	if request.FileID == "" {
		return ErrMissingFileID
	}

	body := completeRequest{
		Checksum: request.Checksum,
		UploadID: request.UploadID,
	}
	endpoint := fmt.Sprintf("%s/complete/%s", c.baseURL, url.PathEscape(request.FileID))
	if err := c.post(ctx, endpoint, body, nil); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}

	c.logger.Debugf("Upload completed: file_id=%s", request.FileID)

	return nil
}

func (c *APIClient) post(ctx context.Context, endpoint string, requestBody interface{}, out interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(respBody))
		if decodeErr == nil && env.Errmsg != "" {
			message = env.Errmsg
		}
		return &APIError{StatusCode: resp.StatusCode, Errno: env.Errno, Message: message}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Errno != 0 {
		return &APIError{StatusCode: resp.StatusCode, Errno: env.Errno, Message: env.Errmsg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		if out != nil {
			return fmt.Errorf("decode response: %w", ErrNoUploadInstructions)
		}
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}

	return nil
}

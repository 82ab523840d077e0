package video

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"manifestme/internal/infra"
)

const (
	expressBaseURL = "https://aiplatform.googleapis.com/v1"
	// CloudPlatformScope is the OAuth2 scope Vertex AI accepts.
	CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// VeoOptions configures the Vertex AI Veo client. With TokenSource set the
// client calls the project endpoint with short-lived OAuth2 access tokens.
// Otherwise APIKey is sent as x-goog-api-key to the express mode publisher
// endpoint, which has no project or location in its path.
type VeoOptions struct {
	APIKey         string
	TokenSource    oauth2.TokenSource
	BaseURL        string
	Project        string
	Location       string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// VeoClient calls the predictLongRunning endpoints of a Veo model.
type VeoClient struct {
	apiKey     string
	tokens     oauth2.TokenSource
	modelURL   string
	httpClient *http.Client
	logger     *infra.Logger
}

type veoPredictRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoInstance struct {
	Prompt          string              `json:"prompt"`
	ReferenceImages []veoReferenceImage `json:"referenceImages,omitempty"`
}

type veoReferenceImage struct {
	Image         veoImage `json:"image"`
	ReferenceType string   `json:"referenceType"`
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type veoParameters struct {
	AspectRatio      string `json:"aspectRatio,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	StorageURI       string `json:"storageUri,omitempty"`
	SampleCount      int    `json:"sampleCount"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		Videos []struct {
			GCSURI   string `json:"gcsUri"`
			MIMEType string `json:"mimeType"`
		} `json:"videos"`
	} `json:"response,omitempty"`
}

type veoErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewVeoClient constructs a client with defaults for unset options.
func NewVeoClient(opts VeoOptions) *VeoClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	location := opts.Location
	if location == "" {
		location = "us-central1"
	}
	model := opts.Model
	if model == "" {
		model = "veo-3.1-generate-preview"
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	c := &VeoClient{httpClient: httpClient, logger: logger}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if opts.TokenSource != nil {
		if baseURL == "" {
			baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
		}
		c.tokens = oauth2.ReuseTokenSource(nil, opts.TokenSource)
		c.modelURL = fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s", baseURL, opts.Project, location, model)
		return c
	}
	if baseURL == "" {
		baseURL = expressBaseURL
	}
	c.apiKey = strings.TrimSpace(opts.APIKey)
	c.modelURL = fmt.Sprintf("%s/publishers/google/models/%s", baseURL, model)
	return c
}

// HasCredentials reports whether the client can perform remote calls.
func (c *VeoClient) HasCredentials() bool {
	return c.tokens != nil || c.apiKey != ""
}

func (c *VeoClient) authorize(req *http.Request) error {
	if c.tokens == nil {
		req.Header.Set("x-goog-api-key", c.apiKey)
		return nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("video: access token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

func (c *VeoClient) Submit(ctx context.Context, req SubmitRequest) (Operation, error) {
	if !c.HasCredentials() {
		return Operation{}, ErrNotConfigured
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Operation{}, errors.New("video: prompt is required")
	}
	instance := veoInstance{Prompt: req.Prompt}
	if len(req.ReferenceImage) > 0 {
		mime := req.ReferenceMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		instance.ReferenceImages = []veoReferenceImage{{
			Image: veoImage{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.ReferenceImage),
				MIMEType:           mime,
			},
			ReferenceType: "asset",
		}}
	}
	payload := veoPredictRequest{
		Instances: []veoInstance{instance},
		Parameters: veoParameters{
			AspectRatio:      req.AspectRatio,
			PersonGeneration: req.PersonGeneration,
			StorageURI:       req.OutputURI,
			SampleCount:      1,
		},
	}
	var op veoOperation
	if err := c.post(ctx, c.modelURL+":predictLongRunning", payload, &op); err != nil {
		return Operation{}, err
	}
	if op.Name == "" {
		return Operation{}, errors.New("video: empty operation name")
	}
	c.logger.Debug().Str("operation", op.Name).Str("output_uri", req.OutputURI).Msg("video: generation submitted")
	return Operation{Name: op.Name}, nil
}

func (c *VeoClient) Poll(ctx context.Context, op Operation) (PollResult, error) {
	if !c.HasCredentials() {
		return PollResult{}, ErrNotConfigured
	}
	var out veoOperation
	body := map[string]string{"operationName": op.Name}
	if err := c.post(ctx, c.modelURL+":fetchPredictOperation", body, &out); err != nil {
		return PollResult{}, err
	}
	if out.Error != nil && out.Error.Message != "" {
		return PollResult{Done: true}, fmt.Errorf("video: operation failed: %s (%d)", out.Error.Message, out.Error.Code)
	}
	result := PollResult{Done: out.Done}
	if out.Response != nil {
		for _, v := range out.Response.Videos {
			if uri := strings.TrimSpace(v.GCSURI); uri != "" {
				result.VideoURIs = append(result.VideoURIs, uri)
			}
		}
	}
	return result, nil
}

func (c *VeoClient) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("video: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("video: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(httpReq); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("video: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("video: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail veoErrorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			return fmt.Errorf("video: %s (%s)", detail.Error.Message, detail.Error.Status)
		}
		return fmt.Errorf("video: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("video: decode response: %w", err)
	}
	return nil
}

var _ Generator = (*VeoClient)(nil)

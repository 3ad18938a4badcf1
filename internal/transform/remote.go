package transform

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
)

const (
	maxErrorBody  = 512
	maxImageBytes = 16 << 20
)

// Remote calls an inference service over HTTP. The service receives
// POST {BaseURL}/transform with a JSON body and answers with image bytes.
type Remote struct {
	BaseURL   string
	Processor ProcessorType
	Client    *http.Client
}

type remoteRequest struct {
	Image          string  `json:"image"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Strength       float64 `json:"strength"`
	ProcessorType  string  `json:"processor_type"`
}

// NewRemoteFactory returns a Factory that builds one Remote per processor type,
// all sharing client. A zero timeout leaves the client without a deadline.
func NewRemoteFactory(baseURL string, timeout time.Duration) Factory {
	client := &http.Client{Timeout: timeout}
	return func(_ context.Context, p ProcessorType) (Transformer, error) {
		if strings.TrimSpace(baseURL) == "" {
			return nil, errors.New("remote transformer base URL is empty")
		}
		return &Remote{BaseURL: strings.TrimRight(baseURL, "/"), Processor: p, Client: client}, nil
	}
}

func (r *Remote) Transform(ctx context.Context, frame []byte, p Params) ([]byte, error) {
	processor := p.Processor
	if processor == "" {
		processor = r.Processor
	}
	body, err := json.Marshal(remoteRequest{
		Image:          base64.StdEncoding.EncodeToString(frame),
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Strength:       p.Strength,
		ProcessorType:  string(processor),
	})
	if err != nil {
		return nil, fmt.Errorf("encode transform request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/transform", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/jpeg, image/*")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("transform request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read transform response: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("transform response is empty")
	}
	if len(out) > maxImageBytes {
		return nil, fmt.Errorf("transform response exceeds %d bytes", maxImageBytes)
	}
	return out, nil
}

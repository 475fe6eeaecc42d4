package openai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"origami_catalog/internal/config"
	"origami_catalog/internal/model"
	"origami_catalog/internal/provider"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	stage        = "provider"
	DefaultModel = "dall-e-3"
)

// Options carries the non-secret knobs of the OpenAI client.
type Options struct {
	BaseURL      string
	Organization string
	Model        string
	HTTPClient   *http.Client
}

type Client struct {
	client openai.Client
	model  string
}

// NewClient builds an image client from the injected generation config.
// Requests are sent exactly once; the SDK's automatic retries are disabled.
func NewClient(cfg config.GenerationConfig, opts Options) (*Client, error) {
	if cfg.Credential == "" {
		return nil, model.NewValidationError(stage, "OpenAI credential is not configured", nil)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.Credential),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(opts.Organization))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	modelName := opts.Model
	if modelName == "" {
		modelName = DefaultModel
	}

	return &Client{
		client: openai.NewClient(reqOpts...),
		model:  modelName,
	}, nil
}

var _ provider.ImageProvider = (*Client)(nil)

// Generate requests a single 1024x1024 standard-quality image and returns its URL.
func (c *Client) Generate(ctx context.Context, prompt string) (provider.RemoteImage, error) {
	if strings.TrimSpace(prompt) == "" {
		return provider.RemoteImage{}, model.NewValidationError(stage, "prompt is empty", nil)
	}

	resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(c.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		Quality:        openai.ImageGenerateParamsQualityStandard,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		log.Printf("[OpenAI] 画像生成API呼び出しエラー: %s", describeError(err))
		return provider.RemoteImage{}, model.NewProviderError(stage, describeError(err), err)
	}

	if len(resp.Data) == 0 {
		return provider.RemoteImage{}, model.NewProviderError(stage, "response contained no images", nil)
	}
	img := resp.Data[0]
	if img.URL == "" {
		return provider.RemoteImage{}, model.NewProviderError(stage, "response contained an empty image URL", nil)
	}

	return provider.RemoteImage{URL: img.URL, RevisedPrompt: img.RevisedPrompt}, nil
}

// describeError keeps the HTTP status and API message but never the request
// headers, so the credential cannot leak into logs.
func describeError(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return fmt.Sprintf("image generation rejected (status %d): %s", apiErr.StatusCode, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "image generation timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "image generation canceled"
	}
	return "image generation request failed"
}

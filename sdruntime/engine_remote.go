package sdruntime

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"go_txt2img/logging"
)

// maxRemoteImageBytes bounds images fetched by URL.
const maxRemoteImageBytes = 32 << 20

// RemoteOptions configures a RemoteEngine.
type RemoteOptions struct {
	// BaseURL is the OpenAI-compatible API root, e.g. http://localhost:8080/v1.
	BaseURL string
	APIKey  string

	// Model is sent as the request model, e.g. a LocalAI diffusers backend.
	Model string

	HTTPClient *http.Client
}

// RemoteEngine generates images through an OpenAI-compatible images API.
// The API has no fields for steps or guidance scale; only the prompt, size
// and model are sent.
type RemoteEngine struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	logger     *logging.Logger
}

// NewRemoteEngine creates a RemoteEngine.
//
// Returns an error if the base URL is empty.
func NewRemoteEngine(opts RemoteOptions, logger *logging.Logger) (*RemoteEngine, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: remote engine requires a base URL", ErrNoEngine)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	clientConfig := openai.DefaultConfig(opts.APIKey)
	clientConfig.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	clientConfig.HTTPClient = httpClient

	return &RemoteEngine{
		client:     openai.NewClientWithConfig(clientConfig),
		httpClient: httpClient,
		model:      opts.Model,
		logger:     logger,
	}, nil
}

func (e *RemoteEngine) Name() string { return EngineRemote }

// Txt2Img requests one image of the params size.
func (e *RemoteEngine) Txt2Img(ctx context.Context, _ *Pipeline, params GenerateParams) ([]image.Image, error) {
	req := openai.ImageRequest{
		Prompt:         params.Prompt,
		Model:          e.model,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", params.Width, params.Height),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}

	response, err := e.client.CreateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("remote image generation failed: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, ErrNoImages
	}

	images := make([]image.Image, 0, len(response.Data))
	for i, d := range response.Data {
		var data []byte
		switch {
		case d.B64JSON != "":
			data, err = base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("%w: image %d: %v", ErrImageDecodeFail, i, err)
			}
		case d.URL != "":
			if data, err = e.fetch(ctx, d.URL); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: image %d has neither data nor URL", ErrNoImages, i)
		}

		img, err := DecodeImage(data)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	e.logger.Debug("remote images received",
		zap.String("model", e.model),
		zap.Int("count", len(images)),
	)
	return images, nil
}

func (e *RemoteEngine) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download generated image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download generated image: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRemoteImageBytes))
}

var _ Engine = (*RemoteEngine)(nil)

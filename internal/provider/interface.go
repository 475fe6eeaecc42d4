package provider

import (
	"context"
)

// RemoteImage is a provider-hosted image. The URL is temporary.
type RemoteImage struct {
	URL           string
	RevisedPrompt string
}

type ImageProvider interface {
	// Generate は画像生成APIにプロンプトを送り、一時URLを返します
	Generate(ctx context.Context, prompt string) (RemoteImage, error)
}

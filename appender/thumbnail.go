package appender

import "context"

// ThumbnailGenerator is the contract for preview image generation.
// Thumbnail/preview generation itself is out of scope (an external
// collaborator per spec.md §1); only the interface is defined here. The
// Appender neither holds nor calls a ThumbnailGenerator.
type ThumbnailGenerator interface {
	Generate(ctx context.Context, instanceKey string, dicomBytes []byte) (uri string, err error)
}

// NoopThumbnailGenerator never produces a thumbnail; Generate always
// returns an empty URI and a nil error.
type NoopThumbnailGenerator struct{}

func (NoopThumbnailGenerator) Generate(context.Context, string, []byte) (string, error) {
	return "", nil
}

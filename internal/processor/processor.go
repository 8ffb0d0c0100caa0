package processor

import (
	"context"
	"fmt"

	"github.com/tonefield/mediad/internal/media"
)

// Pipeline routes an asset to the processor for its kind. Video and plain
// file uploads pass through untransformed; they are served from the stored
// original.
type Pipeline struct {
	image *ImageProcessor
	audio *AudioProcessor
}

// New constructs a Pipeline.
func New(image *ImageProcessor, audio *AudioProcessor) *Pipeline {
	return &Pipeline{image: image, audio: audio}
}

// Process dispatches on the asset kind.
func (p *Pipeline) Process(ctx context.Context, m media.Media, original []byte) (media.ProcessResult, error) {
	switch m.Kind {
	case media.KindImage:
		if p.image == nil {
			return media.ProcessResult{}, fmt.Errorf("no image processor configured")
		}
		return p.image.Process(ctx, m, original)
	case media.KindAudio:
		if p.audio == nil {
			return media.ProcessResult{}, fmt.Errorf("no audio processor configured")
		}
		return p.audio.Process(ctx, m, original)
	case media.KindVideo, media.KindFile:
		return media.ProcessResult{}, nil
	default:
		return media.ProcessResult{}, fmt.Errorf("unknown media kind %q", m.Kind)
	}
}

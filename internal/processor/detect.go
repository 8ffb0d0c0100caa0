// Package processor implements derivative generation for uploaded assets.
package processor

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tonefield/mediad/internal/media"
)

// Validation errors surfaced to the API layer.
var (
	ErrEmptyFile       = errors.New("processor: empty file")
	ErrUnsupportedType = errors.New("processor: unsupported media type")
)

// kindByMIME maps the MIME types the pipeline accepts to their asset kind.
var kindByMIME = map[string]media.Kind{
	"image/jpeg": media.KindImage,
	"image/png":  media.KindImage,
	"image/gif":  media.KindImage,
	"image/webp": media.KindImage,

	"audio/mpeg":   media.KindAudio,
	"audio/wav":    media.KindAudio,
	"audio/x-wav":  media.KindAudio,
	"audio/flac":   media.KindAudio,
	"audio/ogg":    media.KindAudio,
	"audio/x-m4a":  media.KindAudio,
	"audio/mp4":    media.KindAudio,
	"audio/aiff":   media.KindAudio,
	"audio/x-aiff": media.KindAudio,

	"video/mp4":       media.KindVideo,
	"video/webm":      media.KindVideo,
	"video/quicktime": media.KindVideo,

	"application/pdf": media.KindFile,
}

// Detect sniffs the content type from magic bytes and classifies the asset.
// The client-supplied Content-Type is never trusted; the filename extension is
// only consulted when sniffing yields an ambiguous application/octet-stream.
func Detect(data []byte, filename string) (media.Kind, string, error) {
	if len(data) == 0 {
		return "", "", ErrEmptyFile
	}

	mtype := mimetype.Detect(data)
	ct := normalizeMIME(mtype.String())
	if ct == "application/octet-stream" {
		if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
			if byExt := normalizeMIME(mime.TypeByExtension(ext)); byExt != "" {
				ct = byExt
			}
		}
	}

	kind, ok := kindByMIME[ct]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, ct)
	}
	return kind, ct, nil
}

// normalizeMIME strips parameters like "; charset=utf-8".
func normalizeMIME(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

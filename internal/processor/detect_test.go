package processor

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonefield/mediad/internal/media"
)

func TestDetectClassifiesPNG(t *testing.T) {
	t.Parallel()

	kind, ct, err := Detect(pngBytes(t, 4, 4), "cover.png")
	require.NoError(t, err)
	require.Equal(t, media.KindImage, kind)
	require.Equal(t, "image/png", ct)
}

func TestDetectIgnoresMisleadingExtension(t *testing.T) {
	t.Parallel()

	// PNG bytes with an .mp3 name must still classify as an image.
	kind, ct, err := Detect(pngBytes(t, 4, 4), "track.mp3")
	require.NoError(t, err)
	require.Equal(t, media.KindImage, kind)
	require.Equal(t, "image/png", ct)
}

func TestDetectClassifiesMP3Magic(t *testing.T) {
	t.Parallel()

	// ID3v2 header followed by padding sniffs as audio/mpeg.
	data := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
	kind, ct, err := Detect(data, "track.mp3")
	require.NoError(t, err)
	require.Equal(t, media.KindAudio, kind)
	require.Equal(t, "audio/mpeg", ct)
}

func TestDetectRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, _, err := Detect(nil, "missing.png")
	require.ErrorIs(t, err, ErrEmptyFile)
}

func TestDetectRejectsUnsupported(t *testing.T) {
	t.Parallel()

	_, _, err := Detect([]byte("#!/bin/sh\necho hi\n"), "script.sh")
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

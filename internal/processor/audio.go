package processor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tonefield/mediad/internal/media"
)

// AudioConfig controls transcoding and waveform extraction.
type AudioConfig struct {
	FFmpegPath      string
	FFprobePath     string
	BitrateKbps     int
	WaveformBuckets int
}

// AudioProcessor transcodes uploads to MP3 and extracts a peak waveform by
// shelling out to ffmpeg/ffprobe.
type AudioProcessor struct {
	ffmpeg  string
	ffprobe string
	bitrate int
	buckets int
}

// waveformSampleRate is the mono PCM rate used for peak extraction. 8 kHz is
// plenty for a 256-bucket overview and keeps the pipe small.
const waveformSampleRate = 8000

// NewAudio constructs an AudioProcessor.
func NewAudio(cfg AudioConfig) *AudioProcessor {
	p := &AudioProcessor{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		bitrate: cfg.BitrateKbps,
		buckets: cfg.WaveformBuckets,
	}
	if p.ffmpeg == "" {
		p.ffmpeg = "ffmpeg"
	}
	if p.ffprobe == "" {
		p.ffprobe = "ffprobe"
	}
	if p.bitrate <= 0 {
		p.bitrate = 192
	}
	if p.buckets <= 0 {
		p.buckets = 256
	}
	return p
}

// Process writes the original to a scratch file, probes its duration,
// transcodes to MP3, and buckets a mono PCM stream into waveform peaks.
func (p *AudioProcessor) Process(ctx context.Context, m media.Media, original []byte) (media.ProcessResult, error) {
	dir, err := os.MkdirTemp("", "mediad-audio-*")
	if err != nil {
		return media.ProcessResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "original"+extensionFor(m))
	if err := os.WriteFile(srcPath, original, 0o600); err != nil {
		return media.ProcessResult{}, fmt.Errorf("write scratch file: %w", err)
	}

	duration, err := p.probeDuration(ctx, srcPath)
	if err != nil {
		return media.ProcessResult{}, err
	}

	mp3, err := p.transcodeMP3(ctx, srcPath, dir)
	if err != nil {
		return media.ProcessResult{}, err
	}

	pcm, err := p.extractPCM(ctx, srcPath)
	if err != nil {
		return media.ProcessResult{}, err
	}

	result := media.ProcessResult{
		Audio: &media.AudioMeta{
			DurationMs: duration.Milliseconds(),
			Waveform:   waveformPeaks(pcm, p.buckets),
		},
		Variants: []media.DerivedObject{{
			Label:       "mp3",
			ContentType: "audio/mpeg",
			Ext:         ".mp3",
			Data:        mp3,
		}},
	}
	return result, nil
}

func (p *AudioProcessor) probeDuration(ctx context.Context, srcPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		srcPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeDuration(string(out))
}

func (p *AudioProcessor) transcodeMP3(ctx context.Context, srcPath, dir string) ([]byte, error) {
	outPath := filepath.Join(dir, "transcoded.mp3")
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-y", "-v", "error",
		"-i", srcPath,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", strconv.Itoa(p.bitrate)+"k",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg transcode: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read transcoded mp3: %w", err)
	}
	return data, nil
}

func (p *AudioProcessor) extractPCM(ctx context.Context, srcPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-v", "error",
		"-i", srcPath,
		"-ac", "1",
		"-ar", strconv.Itoa(waveformSampleRate),
		"-f", "s16le",
		"-",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg pcm extract: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// parseProbeDuration parses ffprobe's fractional-seconds output.
func parseProbeDuration(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", s, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// waveformPeaks buckets little-endian s16 mono PCM into peak values
// normalized to 0-100. Zero-length input yields an empty slice.
func waveformPeaks(pcm []byte, buckets int) []int {
	samples := len(pcm) / 2
	if samples == 0 || buckets <= 0 {
		return []int{}
	}
	if buckets > samples {
		buckets = samples
	}

	peaks := make([]int, buckets)
	perBucket := samples / buckets
	for b := range buckets {
		start := b * perBucket
		end := start + perBucket
		if b == buckets-1 {
			end = samples
		}
		var peak int
		for i := start; i < end; i++ {
			v := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		peaks[b] = peak * 100 / 32767
	}
	return peaks
}

// extensionFor picks a scratch-file extension that lets ffmpeg infer a
// demuxer even when sniffing the container is unreliable.
func extensionFor(m media.Media) string {
	if ext := filepath.Ext(m.Filename); ext != "" {
		return ext
	}
	switch m.ContentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/flac":
		return ".flac"
	case "audio/ogg":
		return ".ogg"
	case "audio/x-m4a", "audio/mp4":
		return ".m4a"
	default:
		return ".bin"
	}
}

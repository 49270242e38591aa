package artifacts

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Transcoder synthesizes a clip from a directory of frames. The real
// implementation shells out to ffmpeg; tests substitute a fake.
type Transcoder interface {
	Available() bool
	Synthesize(framesDir, outPath string, fps int, frameNames []string) error
}

// FFmpegTranscoder drives the ffmpeg CLI over a concat list.
type FFmpegTranscoder struct {
	// Bin overrides the binary name (tests); empty means "ffmpeg" on PATH.
	Bin string
}

func (t *FFmpegTranscoder) bin() string {
	if t.Bin != "" {
		return t.Bin
	}
	return "ffmpeg"
}

// Available probes PATH for the transcoder.
func (t *FFmpegTranscoder) Available() bool {
	_, err := exec.LookPath(t.bin())
	return err == nil
}

// Synthesize writes a concat list naming each frame with a fixed display
// duration, then encodes outPath at the requested fps. A non-zero exit
// surfaces as an error with ffmpeg's output attached.
func (t *FFmpegTranscoder) Synthesize(framesDir, outPath string, fps int, frameNames []string) error {
	if len(frameNames) == 0 {
		return fmt.Errorf("no frames to synthesize")
	}
	if fps <= 0 {
		fps = 8
	}

	var list strings.Builder
	for _, name := range frameNames {
		fmt.Fprintf(&list, "file '%s'\n", name)
		fmt.Fprintf(&list, "duration %.4f\n", 1.0/float64(fps))
	}
	// Concat demuxer ignores the last duration unless the final file repeats.
	fmt.Fprintf(&list, "file '%s'\n", frameNames[len(frameNames)-1])

	listPath := filepath.Join(framesDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return fmt.Errorf("writing concat list: %w", err)
	}
	defer os.Remove(listPath)

	cmd := exec.Command(t.bin(),
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-vf", fmt.Sprintf("fps=%d,scale=trunc(iw/2)*2:trunc(ih/2)*2", fps),
		"-pix_fmt", "yuv420p",
		outPath,
	)
	cmd.Dir = framesDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

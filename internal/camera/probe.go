package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrStreamInformation wraps a probe that never produced usable stream
// parameters. The lifecycle maps it to a FailedCamera stub.
var ErrStreamInformation = errors.New("could not get stream information")

const (
	probeMaxAttempts = 10
	probeBaseTimeout = 15 * time.Second
	probeTimeoutStep = 5 * time.Second
	probeBackoffCap  = 60 * time.Second
)

// StreamInfo is what FFprobe derives about a stream. Configured values take
// precedence; probing only fills the gaps.
type StreamInfo struct {
	Width      int
	Height     int
	FPS        int
	Codec      string
	AudioCodec string
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// runProbe invokes ffprobe once against the URL with the given timeout.
var runProbe = func(ctx context.Context, url string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-hide_banner",
		"-loglevel", "error",
		"-print_format", "json",
		"-show_streams",
		url,
	)
	return cmd.Output()
}

// Probe derives stream parameters, retrying with exponential backoff and a
// timeout that grows per attempt. Stops early once the stop channel closes.
func Probe(url string, stop <-chan struct{}) (StreamInfo, error) {
	var lastErr error
	for attempt := 1; attempt <= probeMaxAttempts; attempt++ {
		timeout := probeBaseTimeout + time.Duration(attempt-1)*probeTimeoutStep
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		out, err := runProbe(ctx, url)
		cancel()

		if err == nil {
			info, perr := parseProbeOutput(out)
			if perr == nil {
				return info, nil
			}
			err = perr
		}
		lastErr = err

		backoff := probeBackoff(attempt)
		log.Printf("[WARN] [Camera] probe attempt %d/%d failed: %v, retrying in %s",
			attempt, probeMaxAttempts, err, backoff)
		select {
		case <-time.After(backoff):
		case <-stop:
			return StreamInfo{}, fmt.Errorf("%w: probe interrupted", ErrStreamInformation)
		}
	}
	return StreamInfo{}, fmt.Errorf("%w: %v", ErrStreamInformation, lastErr)
}

func probeBackoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > probeBackoffCap || d <= 0 {
		return probeBackoffCap
	}
	return d
}

func parseProbeOutput(raw []byte) (StreamInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return StreamInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info StreamInfo
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = s.Width
				info.Height = s.Height
				info.Codec = s.CodecName
				info.FPS = parseFrameRate(s.RFrameRate)
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if info.Width == 0 || info.Height == 0 || info.FPS == 0 {
		return StreamInfo{}, fmt.Errorf("no usable video stream in probe output")
	}
	return info, nil
}

// parseFrameRate converts ffprobe's "num/den" rational to integer fps,
// rounding to nearest.
func parseFrameRate(r string) int {
	parts := strings.SplitN(r, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.Atoi(parts[0])
	den, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return (num + den/2) / den
}

package camera

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/technosupport/ts-nvr/internal/config"
)

// Hardware acceleration presets keyed by the NVR_HWACCEL environment value.
// A camera's explicit hwaccel_args override the preset.
var hwaccelPresets = map[string][]string{
	"cuda":   {"-hwaccel", "cuda", "-hwaccel_output_format", "nv12"},
	"vaapi":  {"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128", "-hwaccel_output_format", "nv12"},
	"rpi3":   {"-c:v", "h264_mmal"},
	"rpi4":   {"-c:v", "h264_v4l2m2m"},
	"jetson": {"-c:v", "h264_nvmpi"},
}

var defaultInputArgs = []string{
	"-avoid_negative_ts", "make_zero",
	"-fflags", "nobuffer+genpts",
	"-flags", "low_delay",
	"-use_wallclock_as_timestamps", "1",
	"-vsync", "0",
}

// decoderArgs builds the ffmpeg command line that decodes the stream into
// raw frames on stdout, clamped to outputFPS so frames arrive at the rate
// the pipeline consumes. raw_command bypasses assembly entirely.
func decoderArgs(conf *config.CameraConfig, info StreamInfo, outputFPS int) []string {
	if conf.RawCommand != "" {
		return strings.Fields(conf.RawCommand)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}

	input := conf.InputArgs
	if len(input) == 0 {
		input = defaultInputArgs
	}
	args = append(args, input...)

	hwaccel := conf.HWAccelArgs
	if len(hwaccel) == 0 {
		hwaccel = hwaccelPresets[os.Getenv("NVR_HWACCEL")]
	}
	args = append(args, hwaccel...)

	if conf.Protocol == "rtsp" {
		args = append(args, "-rtsp_transport", conf.RTSPTransport)
	}

	args = append(args,
		"-i", conf.StreamURL(),
		"-f", "rawvideo",
		"-pix_fmt", conf.PixFmt,
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
	)
	if outputFPS > 0 {
		args = append(args, "-r", strconv.Itoa(outputFPS))
	}
	return append(args, "pipe:1")
}

// segmenterArgs builds the ffmpeg command line that writes ~5 s MP4
// segments named by their unix start timestamp.
func segmenterArgs(conf *config.CameraConfig, segmentDir string, segmentDuration int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	if conf.Protocol == "rtsp" {
		args = append(args, "-rtsp_transport", conf.RTSPTransport)
	}

	args = append(args,
		"-i", conf.StreamURL(),
		"-c:v", conf.Recorder.Codec,
		"-c:a", conf.Recorder.AudioCodec,
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", segmentDuration),
		"-reset_timestamps", "1",
		"-strftime", "1",
		"-segment_format", "mp4",
		segmentDir+"/%s.mp4",
	)
	return args
}

// probe checks a camera stream from the command line: it either probes a
// URL directly or assembles the URL from a camera entry in the config
// file, then prints what ffprobe derived. Useful when a camera refuses to
// come up and the daemon logs only say the probe failed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/technosupport/ts-nvr/internal/camera"
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/platform/paths"
)

func main() {
	urlFlag := flag.String("url", "", "Stream URL to probe directly")
	cameraFlag := flag.String("camera", "", "Camera identifier from the config file")
	configFlag := flag.String("config", "", "Path to the configuration file")
	jsonFlag := flag.Bool("json", false, "Print the result as JSON")
	flag.Parse()

	url := *urlFlag
	if url == "" {
		if *cameraFlag == "" {
			log.Fatal("either -url or -camera is required")
		}
		cfg, err := config.Load(paths.ResolveConfigPath(*configFlag))
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cam, ok := cfg.Cameras[*cameraFlag]
		if !ok {
			log.Fatalf("camera %q not in config", *cameraFlag)
		}
		url = cam.StreamURL()
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	info, err := camera.Probe(url, stop)
	if err != nil {
		log.Fatalf("probe failed: %v", err)
	}

	if *jsonFlag {
		json.NewEncoder(os.Stdout).Encode(info)
		return
	}
	fmt.Printf("resolution: %dx%d\n", info.Width, info.Height)
	fmt.Printf("fps:        %d\n", info.FPS)
	fmt.Printf("codec:      %s\n", info.Codec)
	if info.AudioCodec != "" {
		fmt.Printf("audio:      %s\n", info.AudioCodec)
	}
}

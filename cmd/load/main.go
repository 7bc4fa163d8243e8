package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/sensor"
	"EnigmaNetz/Enigma-Cell-Sensor/load"
)

func main() {
	frames := flag.Int("frames", 10000, "number of userspace containers to generate")
	messages := flag.Int("messages", 4, "HDLC messages per container")
	size := flag.Int("size", 64, "message body size in bytes")
	warningEvery := flag.Int("warning-every", 100, "plant the signature pattern every N frames (0 disables)")
	otherEvery := flag.Int("other-every", 10, "insert a non-userspace container every N frames (0 disables)")
	seed := flag.Uint64("seed", 1, "random seed")
	output := flag.String("output", "./load-out", "directory for the dump and the store")
	timeout := flag.Duration("timeout", 5*time.Minute, "replay timeout")
	flag.Parse()

	cfg := load.Config{
		Frames:           *frames,
		MessagesPerFrame: *messages,
		MessageSize:      *size,
		WarningEvery:     *warningEvery,
		OtherEvery:       *otherEvery,
		Seed:             *seed,
		Timeout:          *timeout,
	}
	run := func(ctx context.Context, c *config.Config) error {
		return sensor.RunSensor(ctx, c, nil, true)
	}

	res, err := load.RunSyntheticCaptureLoad(context.Background(), run, cfg, *output)
	if err != nil {
		log.Fatalf("synthetic capture failed: %v", err)
	}
	fmt.Printf("entry %s: %d frames (%d other), %s captured, %d warnings\n",
		res.Entry.Name, res.Dump.Frames, res.Dump.OtherFrames, humanize.IBytes(uint64(res.Entry.CaptureSize)), res.Entry.Warnings)
	fmt.Printf("elapsed %s: %.0f frames/s, %s/s\n",
		res.Elapsed.Truncate(time.Millisecond), res.FramesPerSec, humanize.IBytes(uint64(res.BytesPerSec)))
}

package main

import (
	"os"

	"github.com/namikmesic/sidekick-assembler/internal/replay"
)

func main() {
	if err := replay.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

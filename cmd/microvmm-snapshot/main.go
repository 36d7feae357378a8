// Command microvmm-snapshot inspects a snapshot container written by the
// versioned snapshot engine: it validates the magic header and lists every
// section's name while reporting a terminal byte progress bar.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/microvmm/snapshot"
	"github.com/tinyrange/microvmm/versionize"
)

func main() {
	path := flag.String("file", "", "path to a snapshot container")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: microvmm-snapshot -file <path>")
		os.Exit(2)
	}

	if err := run(*path); err != nil {
		slog.Error("microvmm-snapshot: inspection failed", "error", err)
		os.Exit(1)
	}
}

func run(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	title := fmt.Sprintf("load %s", path)
	bar := progressbar.DefaultBytes(info.Size(), title)
	defer bar.Close()

	snap, err := snapshot.Load(io.TeeReader(f, bar), versionize.NewVersionMap())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	fmt.Printf("arch=%v data_version=%d sections=%d\n", snap.Arch, snap.Header.DataVersion, snap.Header.SectionCount)
	for _, name := range snap.SectionNames() {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}

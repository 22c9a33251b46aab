//go:build !tinygo && unix

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"nvos/hal"
	"nvos/pmem"
)

const (
	defaultPMemPath = "nvos.pmem"
	defaultPMemSize = 16 * 1024 * 1024
)

func main() {
	var outPath string
	var size uint64
	var force bool
	flag.StringVar(&outPath, "out", defaultPMemPath, "Output persistent memory image path.")
	flag.Uint64Var(&size, "size", defaultPMemSize, "Image size (bytes, multiple of 4096).")
	flag.BoolVar(&force, "force", false, "Overwrite an existing image.")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "error: -out is required")
		os.Exit(2)
	}
	if err := run(outPath, size, force); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(outPath string, size uint64, force bool) error {
	if size == 0 || size%pmem.PageBytes != 0 {
		return fmt.Errorf("size %d is not a positive multiple of %d", size, pmem.PageBytes)
	}
	if _, err := os.Stat(outPath); err == nil {
		if !force {
			return fmt.Errorf("%q exists (use -force to overwrite)", outPath)
		}
		if err := os.Remove(outPath); err != nil {
			return fmt.Errorf("remove %q: %w", outPath, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %q: %w", outPath, err)
	}

	dev, err := hal.OpenHostPMem(outPath, size)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	img, err := pmem.Format(pmem.NewRegion(dev))
	if err != nil {
		return fmt.Errorf("format %q: %w", outPath, err)
	}
	fmt.Printf("formatted %s: %d bytes, image %s\n", outPath, size, img.ID())
	return nil
}

// Command vgpuinfo inspects a virtual GPU type catalog: the instance
// types a host offers and their graphics-memory carve-outs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/vgpu/internal/catalog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vgpuinfo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	catalogPath := flag.String("catalog", "vgpu-types.yaml", "Path to the type catalog")
	typeName := flag.String("type", "", "Describe a single type instead of listing all")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "List the virtual GPU instance types of a host catalog.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		return err
	}
	slog.Debug("catalog loaded", "path", *catalogPath, "types", len(cat.Types))

	if *typeName != "" {
		typ, err := cat.Find(*typeName)
		if err != nil {
			return err
		}
		fmt.Print(typ.Description())
		return nil
	}

	for _, typ := range cat.Types {
		fmt.Printf("%s (max %d instances)\n%s\n", typ.Name, typ.MaxInstances, typ.Description())
	}
	return nil
}

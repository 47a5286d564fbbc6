package main

import (
	"flag"
	"log"

	"github.com/danmuck/rigsync/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case config.KindControl:
		return "cmd/rigsync/control.toml"
	case config.KindObserver:
		return "cmd/rigsync/observer.toml"
	case config.KindController:
		return "cmd/rigsync/controller.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
	}
	return ""
}

func main() {
	kind := flag.String("kind", config.KindControl, "config kind: control|observer|controller")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if err := config.Validate(path, *kind); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

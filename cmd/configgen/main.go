package main

import (
	"flag"
	"log"

	"github.com/danmuck/glasslink/internal/config"
)

const defaultPath = "cmd/glasslinkd/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for the glasslinkd config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated glasslinkd config at %s (id=%s listen=%s)", *input, cfg.ID, cfg.Listen)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote glasslinkd config template to %s", *output)
}

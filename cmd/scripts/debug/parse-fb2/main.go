package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/fb2"
	"github.com/tinyopds/tinyopds/pkg/library"
)

func main() {
	log := logger.New()

	var opts struct {
		CoverOutput string `short:"o" long:"cover-output" description:"A path to output the cover image"`
	}

	args, err := flags.Parse(&opts)
	if err != nil {
		log.Err(err).Fatal("flags parse error")
	}

	if len(args) != 1 {
		fmt.Println("go run ./cmd/scripts/debug/parse-fb2 <path/to/file.fb2>")
		os.Exit(1)
	}

	f, err := library.Open(args[0])
	if err != nil {
		log.Err(err).Fatal("open error")
	}
	defer f.Close()

	metadata, err := fb2.ParseDescription(f.Reader())
	if err != nil {
		log.Err(err).Fatal("fb2 parse error")
	}
	fmt.Printf("Title: %s\nAuthor(s): %v\nLanguage: %s\nGenres: %v\nVersion: %g\n", metadata.Title, metadata.Authors, metadata.Language, metadata.Genres, metadata.DocVersion)
	for _, seq := range metadata.Sequences {
		fmt.Printf("Sequence: %s #%d\n", seq.Name, seq.Number)
	}

	if opts.CoverOutput != "" && metadata.CoverRef != "" {
		data, mime, err := fb2.ParseCover(f.Reader(), metadata.CoverRef)
		if err != nil {
			log.Err(err).Fatal("cover extract error")
		}
		fmt.Printf("Cover Mime Type: %s\n", mime)
		err = os.WriteFile(opts.CoverOutput, data, 0644)
		if err != nil {
			log.Err(err).Fatal("file write error")
		}
	}
}

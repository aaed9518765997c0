package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/epub"
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
		fmt.Println("go run ./cmd/scripts/debug/parse-epub <path/to/file.epub>")
		os.Exit(1)
	}

	f, err := library.Open(args[0])
	if err != nil {
		log.Err(err).Fatal("open error")
	}
	defer f.Close()

	ra, size := f.ReaderAt()
	metadata, err := epub.Parse(ra, size)
	if err != nil {
		log.Err(err).Fatal("epub parse error")
	}
	fmt.Printf("Title: %s\nAuthor(s): %v\nLanguage: %s\nHas Cover: %v\n", metadata.Title, metadata.Authors, metadata.Language, metadata.HasCover)

	if opts.CoverOutput != "" && metadata.HasCover {
		data, mime, err := epub.Cover(ra, size)
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

// Command search-tracker keeps a search index in step with a content repository.
package main

import (
	"os"

	"github.com/zanzrukiav/SearchServices/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// Command crawld is a single-node daemon that queues, launches and tracks
// spider crawl processes behind a scrapyd-compatible HTTP API.
package main

import (
	"os"

	"github.com/JakeFAU/crawld/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

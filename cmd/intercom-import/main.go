// Command intercom-import copies Intercom collections into the Redis document
// store.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Import failed")
		os.Exit(1)
	}
}

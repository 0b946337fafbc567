package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/novabot/novabot-cli/cmd"
)

// main sets up logging based on the NOVABOT_DEBUG environment variable and
// runs the command line. Logs go to stderr so command output can be piped.
func main() {
	if os.Getenv("NOVABOT_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cmd.Execute()
}

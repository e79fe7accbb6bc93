package main

import (
	"github.com/rs/zerolog"

	"coro/cmd/corodemo/internal/demo"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	root := demo.NewRootCommand(log)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("corodemo: command failed")
	}
}

package main

import (
	"os"

	"soauth.org/cmd/soauthctl/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

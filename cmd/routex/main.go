package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/ggonzalez94/routex/internal/app"
)

func main() {
	// A local .env may carry ROUTEX_* keys and settings; it is optional.
	_ = godotenv.Load()
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}

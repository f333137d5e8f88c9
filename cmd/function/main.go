// Command function serves GenerateThumbData locally through the Functions
// Framework, for development against emulators or real buckets.
package main

import (
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	_ "github.com/dunamismax/thumbdata"
	"github.com/dunamismax/thumbdata/internal/logging"
)

func main() {
	logger := logging.New("thumbdata-function")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info().Str("port", port).Msg("serving GenerateThumbData")
	if err := funcframework.Start(port); err != nil {
		logger.Fatal().Err(err).Msg("function framework failed")
	}
}

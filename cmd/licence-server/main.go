// Command licence-server runs the licence registry HTTP API.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"wslicense/internal/app"
	"wslicense/pkg/contracts"
)

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(contracts.GetFullVersionString(app.RegistryServiceName))
		return
	}

	application, err := app.NewApplication()
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

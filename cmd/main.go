package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/barryq93/promHANA/internal/app"
	"github.com/barryq93/promHANA/internal/utils"
	flag "github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configFile := flag.StringP("config", "c", "", "Path to hanadb_exporter configuration file")
	metricsFile := flag.StringP("metrics", "m", "", "Path to hanadb_exporter metrics file")
	daemon := flag.BoolP("daemon", "d", false, "Notify systemd once the exporter is ready")
	identifier := flag.String("identifier", "", "Identifier of the configuration file in /etc/hanadb_exporter")
	verbosity := flag.StringP("verbosity", "v", "", "Logging level. Options: DEBUG, INFO, WARN, ERROR (INFO by default)")
	showVersion := flag.BoolP("version", "V", false, "Print the hanadb_exporter version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hanadb_exporter %s\n", version)
		return
	}

	logger := utils.NewLogger()
	if *verbosity != "" {
		utils.SetLogLevel(logger, *verbosity)
	}

	if *configFile == "" {
		if *identifier == "" {
			logger.Fatal("configuration file or identifier must be used")
		}
		path, err := app.LookupConfigFile(*identifier)
		if err != nil {
			logger.Fatalf("Failed to find configuration for %s: %v", *identifier, err)
		}
		*configFile = path
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, app.Options{
		ConfigFile:  *configFile,
		MetricsFile: *metricsFile,
		Daemon:      *daemon,
		Verbosity:   *verbosity,
	}, logger)
	if err != nil {
		logger.Errorf("Failed to initialize application: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	application.Shutdown()
	logger.Info("Application shutdown complete")
}

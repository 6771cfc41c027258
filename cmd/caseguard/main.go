package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := setupLogger(getEnv("CASEGUARD_LOG_LEVEL", "info"))

	var err error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = runServe(os.Args[2:], logger)
	case "migrate":
		err = runMigrate(os.Args[2:], logger)
	case "seed":
		err = runSeed(os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `caseguard - authorization pipeline for multi-tenant case management

Usage:
  caseguard serve   [-migrate]
  caseguard migrate [-driver postgres|sqlite3] [-database-url URL]
  caseguard seed    [-catalog PATH] [-migrate] [-driver ...] [-database-url URL]
  caseguard version

serve reads its configuration from CASEGUARD_* environment variables.
`)
}

// setupLogger builds the bootstrap logger used before the service logger
// exists and by the one-shot commands
func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	return logger
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of caseguard %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// Command papertrade runs the paper-trading control plane: one binary,
// two verbs. run-trading is the process that trades; run-supervisor is
// the independent watchdog that can kill it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Secrets come from the environment; .env is a dev convenience.
	_ = godotenv.Load()

	verb := os.Args[1]
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(verb), "path to the YAML config")
	_ = fs.Parse(os.Args[2:])

	var code int
	switch verb {
	case "run-trading":
		code = runTrading(*configPath)
	case "run-supervisor":
		code = runSupervisor(*configPath)
	default:
		usage()
		code = 2
	}
	os.Exit(code)
}

func defaultConfigPath(verb string) string {
	if verb == "run-supervisor" {
		return "configs/supervisor.yaml"
	}
	return "configs/trading.yaml"
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: papertrade <run-trading|run-supervisor> [--config path]")
}

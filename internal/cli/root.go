// Package cli implements the subtun command line entry points.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const usage = `subtun - expose a local HTTP service on a public subdomain

Usage:
  subtun server [flags]            Run the tunnel server
  subtun client [flags]            Run the tunnel client
  subtun apikey <subcommand>       Manage API keys (create, list, revoke)
  subtun token [flags]             Mint a signed access token
  subtun version                   Print the version
  subtun help                      Show this help

Run "subtun <command> -h" for command flags. Flags can also be set through
SUBTUN_* environment variables or a YAML config file (--config).
`

// Run executes the command line and returns the process exit code.
func Run(args []string) int {
	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "server":
		return runServer(rest)
	case "client":
		return runClient(rest)
	case "apikey":
		return runAPIKey(rest)
	case "token":
		return runToken(rest)
	case "version", "-v", "--version":
		fmt.Println("subtun " + Version)
		return 0
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// app holds global options parsed from the command line
type app struct {
	account string
	verbose bool
	envFile string
	log     *logrus.Logger
}

func main() {
	a := &app{}

	// Global flags
	flag.StringVar(&a.account, "account", "", "Account key, name or email to use")
	flag.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output (debug logging)")
	flag.StringVar(&a.envFile, "env-file", "", "Load variables from this .env file (default: ./.env if present)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printUsage
	flag.SetInterspersed(false)
	flag.Parse()

	if *showVersion {
		fmt.Printf("unread v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	a.log = newLogger(a.verbose)
	if err := a.loadEnv(); err != nil {
		fatal("%v", err)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	// "init" doesn't need config loaded
	if cmd == "init" {
		if err := handleInit(); err != nil {
			fatal("init: %v", err)
		}
		return
	}
	if cmd == "help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "list":
		opts := parseListFlags(cmdArgs)
		if err := handleList(ctx, a.loadAccount(), opts, a.log); err != nil {
			fatal("list: %v", err)
		}
	case "count":
		if err := handleCount(ctx, a.loadAccount(), a.log); err != nil {
			fatal("count: %v", err)
		}
	case "export":
		opts := parseExportFlags(cmdArgs)
		if err := handleExport(ctx, a.loadAccount(), opts, a.log); err != nil {
			fatal("export: %v", err)
		}
	default:
		fatal("unknown command '%s'", cmd)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `unread v%s - Report unread mail

Usage:
  unread [global options] <command> [command options]

Commands:
  list       List unread messages
  count      Print the number of unread messages
  export     Write unread messages as an mbox into a bucket
  init       Initialize configuration file

Global Options:
  --account <name>   Account key, name or email to use
  -v, --verbose      Verbose output (debug logging on stderr)
  --env-file <path>  Load variables from a .env file
  --version          Show version information

Config Resolution:
  Set env var %s to a JSON config file. Variables from .env
  are loaded first, so the path and password_env secrets can live there.

Protocols:
  feed       Gmail Atom feed (HTTP basic auth with an app password)
  imap       IMAP UNSEEN messages of one folder
  pop3       Every message still in the POP3 maildrop
  gmailapi   Gmail REST API, the secret is an OAuth2 access token

List Options:
  --limit <number>       Maximum messages to show (default: 0, all)
  --json                 Print messages as JSON

Export Options:
  --bucket <url>         Bucket URL, e.g. file:///var/mail/unread or mem://
  --key <name>           Object key (default: <account>-<timestamp>.mbox)

Examples:
  unread list
  unread --account work list --limit 5
  unread -v count
  unread export --bucket file:///tmp/unread
  unread init
`, version, envConfigJSONPath)
}

package main

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/emx-mail/unread/pkgs/config"
	"github.com/emx-mail/unread/pkgs/email"
)

const envConfigJSONPath = config.EnvConfigJSONPath

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// newLogger writes JSON lines to stderr so stdout stays machine-readable.
func newLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.WarnLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func (a *app) loadEnv() error {
	if a.envFile != "" {
		return config.LoadEnv(a.envFile)
	}
	return config.LoadEnv()
}

func (a *app) loadAccount() *config.AccountConfig {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'unread init' to create a config file\n")
		os.Exit(1)
	}
	acc, err := cfg.GetAccount(a.account)
	if err != nil {
		fatal("%v", err)
	}
	a.log.WithFields(logrus.Fields{"account": acc.Name, "protocol": acc.Protocol}).Debug("account selected")
	return acc
}

func formatSender(msg *email.Message) string {
	if len(msg.From) == 0 {
		return "Unknown"
	}
	return msg.From[0].String()
}

// truncate truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}

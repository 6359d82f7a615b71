package config

import (
	"flag"
	"os"

	"github.com/quackmore/mycoRegister/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the backend server (default from Config)
//	-d string   state directory for local databases
//	-m string   install mode used to namespace persisted keys
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the backend server")
	fs.StringVar(&cfg.StateDir, "d", cfg.StateDir, "state directory for local databases")
	fs.StringVar(&cfg.InstallMode, "m", cfg.InstallMode, "install mode used to namespace persisted keys")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}

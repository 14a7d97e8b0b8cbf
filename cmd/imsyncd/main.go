package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/imsync/internal/daemon"
	"github.com/matheus3301/imsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides $IMSYNC_SESSION and config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	params, err := resolveParams(*sessionFlag, *debugFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imsyncd: %v\n", err)
		os.Exit(2)
	}

	// Run blocks until SIGINT/SIGTERM and exits non-zero if startup fails.
	fx.New(daemon.Module(params)).Run()
}

func resolveParams(flagSession string, debug bool) (daemon.Params, error) {
	name, err := session.Resolve(flagSession)
	if err != nil {
		return daemon.Params{}, err
	}
	if err := session.ValidateName(name); err != nil {
		return daemon.Params{}, err
	}
	return daemon.Params{SessionName: name, Debug: debug}, nil
}

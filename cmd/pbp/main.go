package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pbp/go-pbp/internal/app"
	"pbp/go-pbp/internal/config"
	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/metrics"
	"pbp/go-pbp/internal/passphrase"

	"github.com/awnumar/memguard"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK    = 0
	exitError = 1
)

func main() {
	memguard.CatchInterrupt()
	memguard.SafeExit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type recipientList []string

func (r *recipientList) String() string { return strings.Join(*r, ",") }

func (r *recipientList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

type invocation struct {
	req         app.Request
	basedir     string
	showVersion bool
}

// actionFlags maps each action to its long and short flag names.
var actionFlags = []struct {
	action app.Action
	long   string
	short  string
	help   string
}{
	{app.ActionGenKey, "gen-key", "g", "generate a new key"},
	{app.ActionRestoreKey, "restore-key", "", "recreate a key from its recovery phrase on stdin"},
	{app.ActionEncrypt, "encrypt", "c", "encrypt input"},
	{app.ActionDecrypt, "decrypt", "d", "decrypt input"},
	{app.ActionSign, "sign", "s", "sign input"},
	{app.ActionMasterSign, "master-sign", "m", "endorse the key given by --name with your master key"},
	{app.ActionVerify, "verify", "v", "verify input"},
	{app.ActionList, "list", "l", "list public keys"},
	{app.ActionListSecret, "list-secret", "L", "list secret keys"},
	{app.ActionExportKey, "export-key", "x", "export your public key"},
	{app.ActionImportKey, "import-key", "X", "import a public key"},
	{app.ActionCheckSigs, "check-sigs", "C", "list good endorsements on the key given by --name"},
	{app.ActionForwardEncrypt, "fcrypt", "e", "encrypt to one peer with forward secrecy"},
	{app.ActionForwardDecrypt, "fdecrypt", "E", "decrypt from one peer with forward secrecy"},
}

func parseArgs(args []string, stderr io.Writer) (invocation, error) {
	fs := flag.NewFlagSet("pbp", flag.ContinueOnError)
	fs.SetOutput(stderr)

	selected := make([]*bool, len(actionFlags))
	for i, a := range actionFlags {
		selected[i] = fs.Bool(a.long, false, a.help)
		if a.short != "" {
			fs.BoolVar(selected[i], a.short, false, a.help)
		}
	}

	var inv invocation
	var recipients recipientList
	fs.Var(&recipients, "recipient", "recipient key name, repeatable")
	fs.Var(&recipients, "r", "recipient key name, repeatable")
	for _, name := range []string{"name", "n"} {
		fs.StringVar(&inv.req.Name, name, "", "key to operate on")
	}
	for _, name := range []string{"basedir", "base-dir", "b"} {
		fs.StringVar(&inv.basedir, name, "", "key ring directory (default "+config.DefaultBasedir+")")
	}
	for _, name := range []string{"self", "S"} {
		fs.StringVar(&inv.req.Self, name, "", "your own key")
	}
	for _, name := range []string{"infile", "i"} {
		fs.StringVar(&inv.req.Infile, name, "", "file to operate on (default stdin)")
	}
	for _, name := range []string{"outfile", "o"} {
		fs.StringVar(&inv.req.Outfile, name, "", "file to write to")
	}
	for _, name := range []string{"armor", "a"} {
		fs.BoolVar(&inv.req.Armor, name, false, "ascii armor the output")
	}
	fs.BoolVar(&inv.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return invocation{}, err
	}
	if fs.NArg() > 0 {
		return invocation{}, fmt.Errorf("unexpected argument %q: %w", fs.Arg(0), contracts.ErrUsage)
	}
	for i, on := range selected {
		if !*on {
			continue
		}
		if inv.req.Action != "" {
			return invocation{}, fmt.Errorf("--%s and --%s are mutually exclusive: %w", inv.req.Action, actionFlags[i].long, contracts.ErrUsage)
		}
		inv.req.Action = actionFlags[i].action
	}
	inv.req.Recipients = recipients
	return inv, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	inv, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		writeStderrln(stderr, "Error: "+err.Error())
		return exitError
	}
	if inv.showVersion {
		_, _ = fmt.Fprintf(stdout, "pbp version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return exitOK
	}
	if err := app.Validate(inv.req); err != nil {
		writeStderrln(stderr, "Error: "+err.Error())
		return exitError
	}

	cfg, err := config.Load(inv.basedir)
	if err != nil {
		writeStderrln(stderr, "Error: "+err.Error())
		return exitError
	}
	var provider passphrase.Provider = passphrase.NewTerminal()
	if pass := config.PassphraseFromEnv(); pass != nil {
		provider = passphrase.Static(pass)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	svc, err := app.New(app.Options{
		Config:     cfg,
		Passphrase: provider,
		Logger:     app.NewLogger(cfg.Logging, stderr),
		Metrics:    metrics.New(),
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	if err != nil {
		writeStderrln(stderr, "Error: "+err.Error())
		return exitError
	}
	runErr := svc.Run(ctx, inv.req)
	if err := svc.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		writeStderrln(stderr, "Error: "+runErr.Error())
		return exitError
	}
	return exitOK
}

func writeStderrln(w io.Writer, line string) {
	_, _ = fmt.Fprintln(w, line)
}

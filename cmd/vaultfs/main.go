// vaultfs manages an encrypted vaultfs store from the command line.
//
// Usage:
//
//	vaultfs [global flags] <command> [arguments]
//
// The passphrase is read from VAULTFS_PASSPHRASE when set, otherwise it is
// prompted for on the terminal. Commands that set a new passphrase read it
// from VAULTFS_NEW_PASSPHRASE or prompt for it twice.
//
// The exit status of a failed command is the magnitude of the store's
// status code (2 for not found, 13 for a wrong passphrase, and so on), or 1
// for errors outside the store's taxonomy.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/absfs/vaultfs"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// command is one vaultfs subcommand
type command struct {
	name    string
	args    string // usage of the positional arguments
	summary string
	nargs   [2]int // minimum and maximum positional arguments
	run     func(e *env, args []string) error
}

var commands = map[string]*command{}

func register(c *command) {
	commands[c.name] = c
}

// usageError is reported with the command's usage line and exit status 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var fv flagValues
	flags := pflag.NewFlagSet("vaultfs", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	fv.register(flags)
	flags.Usage = func() { printUsage(stderr, flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.NArg() == 0 {
		printUsage(stderr, flags)
		return 2
	}

	cmd, ok := commands[flags.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "vaultfs: unknown command %q\n", flags.Arg(0))
		printUsage(stderr, flags)
		return 2
	}
	cmdArgs := flags.Args()[1:]
	if len(cmdArgs) < cmd.nargs[0] || len(cmdArgs) > cmd.nargs[1] {
		fmt.Fprintf(stderr, "usage: vaultfs %s %s\n", cmd.name, cmd.args)
		return 2
	}

	cfg, err := resolveConfig(flags, &fv)
	if err != nil {
		fmt.Fprintf(stderr, "vaultfs: %v\n", err)
		return 1
	}
	logger, _, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "vaultfs: %v\n", err)
		return 1
	}
	defer logger.Sync()

	storeCfg, err := cfg.storeConfig(logger)
	if err != nil {
		fmt.Fprintf(stderr, "vaultfs: %v\n", err)
		return exitStatus(err)
	}

	e := &env{
		storePath: cfg.Store,
		cfg:       storeCfg,
		logger:    logger.With(zap.String("command", cmd.name)),
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
	}
	if err := cmd.run(e, cmdArgs); err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "vaultfs %s: %v\nusage: vaultfs %s %s\n", cmd.name, err, cmd.name, cmd.args)
			return 2
		}
		e.logger.Debug("command failed", zap.Error(err), zap.Int("status", vaultfs.StatusCode(err)))
		fmt.Fprintf(stderr, "vaultfs %s: %v\n", cmd.name, err)
		return exitStatus(err)
	}
	return 0
}

// exitStatus maps err to a process exit status through the store's status
// codes.
func exitStatus(err error) int {
	if code := vaultfs.StatusCode(err); code < vaultfs.StatusUnknown {
		return -code
	}
	return 1
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: vaultfs [flags] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(w, "  %-9s %-22s %s\n", c.name, c.args, c.summary)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
}

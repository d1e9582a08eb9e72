package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tetherdbg/tether/pkg/config"
	"github.com/tetherdbg/tether/pkg/logflags"
	"github.com/tetherdbg/tether/pkg/proc"
	"github.com/tetherdbg/tether/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// backend selection
	backend string
	// useTTY allocates a pseudo terminal for the target's standard streams.
	useTTY bool
	// keepStopped leaves an attached process stopped on detach.
	keepStopped bool
	// sendSignal is the name of a signal to deliver after attaching.
	sendSignal string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const tetherCommandLongDesc = `Tether is a process-level debugger core.

Tether takes control of a target process through a pluggable backend and
drives its execution: launching, attaching, resuming, halting and tearing
down, while ordering state-change events for consumers.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()
	if backend == "" {
		backend = conf.Backend
	}

	rootCommand = &cobra.Command{
		Use:   "tether",
		Short: "Tether is a process control debugger core.",
		Long:  tetherCommandLongDesc,
	}
	fs := rootCommand.PersistentFlags()
	addLogFlags(fs)
	fs.StringVar(&backend, "backend", "default", "Backend selection.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tether Debugger\n%s\n%s\n", version.TetherVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <command line>",
		Short: "Execute a precompiled binary under the debugger until it stops or exits.",
		Long: `Execute a precompiled binary under the debugger.

The whole target command line is passed as a single argument and split
with shell-like quoting rules, for example:

  tether exec './hello --config "a b.toml"'`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a command line")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().BoolVar(&useTTY, "tty", false, "Allocate a pseudo terminal for the target's standard streams.")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process, wait for it to stop, then detach.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	attachCommand.Flags().BoolVar(&keepStopped, "keep-stopped", false, "Leave the process stopped when detaching.")
	attachCommand.Flags().StringVar(&sendSignal, "signal", "", "Deliver the named signal (e.g. SIGCONT) to the process before detaching.")
	rootCommand.AddCommand(attachCommand)

	return rootCommand
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable debug logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (control,events,backend,memory).")
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")
}

func setup() error {
	if logOutput == "" && log {
		logOutput = conf.LogLayers
	}
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	proc.Initialize(propertiesFromConfig(conf))
	return nil
}

func teardown() {
	proc.Terminate()
	logflags.Close()
}

func propertiesFromConfig(conf *config.Config) *proc.Properties {
	props := proc.DefaultProperties()
	if conf.EventQueueCapacity > 0 {
		props.EventQueueCapacity = conf.EventQueueCapacity
	}
	if conf.ResumeTimeout > 0 {
		props.ResumeTimeout = time.Duration(conf.ResumeTimeout) * time.Second
	}
	if conf.HaltTimeout > 0 {
		props.HaltTimeout = time.Duration(conf.HaltTimeout) * time.Second
	}
	if conf.VerifyBreakpointWrites != nil {
		props.VerifyBreakpointWrites = *conf.VerifyBreakpointWrites
	}
	return props
}

func execCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0]))
}

func execute(cmdline string) int {
	if err := setup(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer teardown()

	v, err := argv.Argv(cmdline, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(v) != 1 || len(v[0]) == 0 {
		fmt.Fprintf(os.Stderr, "illegal command line '%s'\n", cmdline)
		return 1
	}
	targetArgs := v[0]

	factory, err := proc.SelectBackend(backend, targetArgs[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	p := proc.NewProcess(factory.New, nil)
	defer p.Destroy(false)

	info := &proc.LaunchInfo{Path: targetArgs[0], Args: targetArgs}
	if useTTY {
		if err := info.AllocatePTY(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if err := p.Launch(info); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	st, err := p.ResumeSynchronous(os.Stdout, 0)
	if err != nil {
		if exited, ok := err.(proc.ErrProcessExited); ok {
			return exited.Status
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("target stopped in state %s (stop id %d)\n", st, p.GetStopID())
	return 0
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(attach(pid))
}

func attach(pid int) int {
	if err := setup(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer teardown()

	factory, err := proc.SelectBackend(backend, strconv.Itoa(pid))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	p := proc.NewProcess(factory.New, nil)
	if err := p.AttachToPID(pid, &proc.AttachInfo{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("attached to %d, state %s\n", p.Pid(), p.GetState())
	if sendSignal != "" {
		sig := proc.SignalByName(sendSignal)
		if sig == 0 {
			fmt.Fprintf(os.Stderr, "unknown signal %q\n", sendSignal)
			return 1
		}
		if err := p.Signal(sig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	if err := p.Detach(keepStopped); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// Command stepdbg debugs a program one invocation at a time.
//
// "stepdbg start" launches the program under a detached session host and
// returns once it is paused at its first statement. Every later invocation
// sends a single command to that host and prints the JSON response, so the
// paused program survives between calls.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ctagard/stepdbg/internal/channel"
	"github.com/ctagard/stepdbg/internal/client"
	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/pkg/types"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options are the flags every command accepts.
type options struct {
	configPath string
	target     string
	cwd        string
	field      string
	verbose    bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (JSON, TOML or YAML)")
	fs.StringVar(&o.target, "target", "", "Program whose session to use (default: the only live session)")
	fs.StringVar(&o.cwd, "cwd", "", "Working directory the session belongs to (default: current directory)")
	fs.StringVar(&o.field, "field", "", "Print only this field of the response (gjson path, e.g. 'frame.line')")
	fs.BoolVar(&o.verbose, "verbose", false, "Log diagnostics to stderr")
}

// env is what a command runs with.
type env struct {
	opts   *options
	args   []string
	cfg    *config.Config
	client *client.Client
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "-help" || args[0] == "--help" || args[0] == "help" {
		printHelp(stdout)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "stepdbg: unknown command %q\n\n", args[0])
		printHelp(stderr)
		return 2
	}

	opts := &options{}
	fs := flag.NewFlagSet("stepdbg "+cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: stepdbg %s %s\n\n%s\n\nFlags:\n", cmd.name, cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}
	opts.register(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	rest, err := parseArgs(fs, args[1:], !cmd.program)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if !opts.verbose && !cmd.keepLog {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return emit(stdout, opts.field, channel.ErrorResponse("", fmt.Errorf("loading configuration: %w", err)))
	}

	e := &env{opts: opts, args: rest, cfg: cfg, stdout: stdout, stderr: stderr}
	if cmd.raw != nil {
		return cmd.raw(e)
	}

	store, err := session.Open(cfg)
	if err != nil {
		return emit(stdout, opts.field, channel.ErrorResponse("", err))
	}
	defer store.Close()
	e.client = newClient(e, store)

	resp, err := cmd.run(e)
	if err != nil {
		resp = channel.ErrorResponse("", err)
	}
	return emit(stdout, opts.field, resp)
}

func newClient(e *env, store session.Store) *client.Client {
	c := client.New(e.cfg, store)
	c.ConfigPath = e.opts.configPath
	return c
}

// parseArgs parses flags and returns the positional arguments. With
// interspersed set, flags may follow positional arguments and everything
// after "--" is positional. Otherwise parsing stops at the first argument.
func parseArgs(fs *flag.FlagSet, args []string, interspersed bool) ([]string, error) {
	if !interspersed {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return fs.Args(), nil
	}

	var tail []string
	for i, a := range args {
		if a == "--" {
			args, tail = args[:i], args[i+1:]
			break
		}
	}

	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		rest = append(rest, args[0])
		args = args[1:]
	}
	return append(rest, tail...), nil
}

// emit prints resp as JSON, or one field of it, and returns the exit code.
func emit(w io.Writer, field string, resp types.Response) int {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(w, `{"status":"error","error":{"code":"INTERNAL_ERROR","message":%q}}`+"\n", err.Error())
		return 1
	}
	code := 0
	if resp.Status == types.StatusError {
		code = 1
	}

	if field == "" {
		var buf bytes.Buffer
		buf.Write(data)
		buf.WriteByte('\n')
		_, _ = w.Write(buf.Bytes())
		return code
	}

	v := gjson.GetBytes(data, field)
	switch {
	case !v.Exists():
		fmt.Fprintln(w)
	case v.Type == gjson.String:
		fmt.Fprintln(w, v.String())
	default:
		fmt.Fprintln(w, v.Raw)
	}
	return code
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `stepdbg: a step debugger driven one command at a time

USAGE:
    stepdbg <command> [flags] [arguments]

A session starts paused at the program's first statement and stays paused
between invocations. Every command prints one JSON response; the exit code
is 1 when the response status is "error".

COMMANDS:
`)
	names := make([]string, 0, len(commands))
	for name, cmd := range commands {
		if !cmd.hidden {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return commands[names[i]].order < commands[names[j]].order
	})
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "    %-12s %s\n", name, firstLine(cmd.summary))
	}
	fmt.Fprint(w, `
COMMON FLAGS:
    -target PROGRAM   Session to use when several are live
    -field PATH       Print one response field, e.g. -field frame.line
    -config PATH      Configuration file (JSON, TOML or YAML)
    -verbose          Log diagnostics to stderr

Run 'stepdbg <command> -h' for the flags of one command.
`)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package repl is a line console over a mergeable store. Paths use the
// slash form: /t/<table>/<row>/<cell> and /v/<value>.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/drpcorg/tabby"
	"github.com/drpcorg/tabby/persister"
	"github.com/drpcorg/tabby/replication"
	"github.com/ergochat/readline"
)

// REPL per se. Syncer and Persister are optional.
type REPL struct {
	Store       *tabby.MergeableStore
	Checkpoints *tabby.Checkpoints
	Syncer      *replication.Syncer
	Persister   *persister.Persister
	Out         io.Writer

	// one command at a time, from the console or over http
	lock sync.Mutex
	out  io.Writer
	rl   *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("del"),
	readline.PcItem("tables"),
	readline.PcItem("values"),
	readline.PcItem("hash"),

	readline.PcItem("checkpoint"),
	readline.PcItem("undo"),
	readline.PcItem("redo"),

	readline.PcItem("sync"),
	readline.PcItem("save"),
	readline.PcItem("load"),
	readline.PcItem("stats"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func New(ms *tabby.MergeableStore) *REPL {
	return &REPL{
		Store:       ms,
		Checkpoints: tabby.NewCheckpoints(ms.Store),
		Out:         os.Stdout,
	}
}

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	repl.Checkpoints.Destroy()
	return nil
}

// Run reads and executes lines until exit, EOF or an interrupt on an
// empty line.
func (repl *REPL) Run(ctx context.Context) error {
	for {
		line, err := repl.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = repl.Exec(ctx, line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(repl.Out, "%s\n", err.Error())
		}
	}
}

// Exec runs one command line; exit and quit return io.EOF.
func (repl *REPL) Exec(ctx context.Context, line string) error {
	return repl.ExecTo(ctx, repl.Out, line)
}

// ExecTo is Exec printing to out.
func (repl *REPL) ExecTo(ctx context.Context, out io.Writer, line string) (err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	repl.lock.Lock()
	defer repl.lock.Unlock()
	repl.out = out
	switch cmd {
	case "help":
		_, err = fmt.Fprintln(out, Help)
	// ----- content -----
	case "set":
		err = repl.CommandSet(arg)
	case "get":
		err = repl.CommandGet(arg)
	case "del":
		err = repl.CommandDel(arg)
	case "tables":
		err = repl.CommandTables()
	case "values":
		err = repl.CommandValues()
	case "hash":
		err = repl.CommandHash(arg)
	// ----- history -----
	case "checkpoint":
		err = repl.CommandCheckpoint(arg)
	case "undo":
		err = repl.CommandUndo()
	case "redo":
		err = repl.CommandRedo()
	// ----- replication -----
	case "sync":
		err = repl.CommandSync(ctx)
	case "save":
		err = repl.CommandSave(ctx)
	case "load":
		err = repl.CommandLoad(ctx)
	case "stats":
		err = repl.CommandStats()
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

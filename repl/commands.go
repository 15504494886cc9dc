package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drpcorg/tabby/rdx"
)

const Help = `set /t/<table>/<row>/<cell> <value>    set a cell
set /v/<value> <value>                  set a value
get [path]                              print content at path
del <path>                              delete a cell, row, table or value
tables | values                         list ids
hash [path]                             print the content hash at path
checkpoint [label] | undo | redo        history
sync | save | load | stats              replication and persistence
exit | quit`

var (
	ErrBadPath      = errors.New("bad path")
	ErrNoSyncer     = errors.New("not connected")
	ErrNoPersister  = errors.New("no persister")
	HelpSet         = errors.New("set /t/pets/fido/legs 4")
	HelpDel         = errors.New("del /t/pets/fido")
	ErrNothingToRun = errors.New("nothing to undo or redo")
)

func (repl *REPL) locked(fn func()) {
	locker := repl.Store.Locker()
	locker.Lock()
	defer locker.Unlock()
	fn()
}

func (repl *REPL) print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(repl.out, string(data))
	return err
}

func parsePath(arg string) (rdx.Path, error) {
	if !strings.HasPrefix(arg, "/") {
		return nil, ErrBadPath
	}
	path := rdx.ParsePath(arg)
	if len(path) > 0 && !path.Valid() {
		return nil, ErrBadPath
	}
	return path, nil
}

func (repl *REPL) CommandSet(arg string) error {
	p, val, ok := strings.Cut(arg, " ")
	if !ok {
		return HelpSet
	}
	path, err := parsePath(p)
	if err != nil || !path.IsLeaf() {
		return HelpSet
	}
	v := rdx.Parse(strings.TrimSpace(val))
	repl.locked(func() {
		if path[0] == rdx.TablesKey {
			repl.Store.SetCell(path[1], path[2], path[3], v)
		} else {
			repl.Store.SetValue(path[1], v)
		}
	})
	return nil
}

func (repl *REPL) CommandGet(arg string) (err error) {
	if arg == "" {
		arg = "/"
	}
	path, err := parsePath(arg)
	if err != nil {
		return err
	}
	var out any
	repl.locked(func() {
		switch {
		case len(path) == 0:
			out = repl.Store.GetContent()
		case path[0] == rdx.ValuesKey && len(path) == 1:
			out = repl.Store.GetValues()
		case path[0] == rdx.ValuesKey:
			out = repl.Store.GetValue(path[1])
		case len(path) == 1:
			out = repl.Store.GetTables()
		case len(path) == 2:
			out = repl.Store.GetTable(path[1])
		case len(path) == 3:
			out = repl.Store.GetRow(path[1], path[2])
		default:
			out = repl.Store.GetCell(path[1], path[2], path[3])
		}
	})
	return repl.print(out)
}

func (repl *REPL) CommandDel(arg string) error {
	path, err := parsePath(arg)
	if err != nil || len(path) == 0 {
		return HelpDel
	}
	repl.locked(func() {
		switch {
		case path[0] == rdx.ValuesKey && len(path) == 1:
			repl.Store.DelValues()
		case path[0] == rdx.ValuesKey:
			repl.Store.DelValue(path[1], true)
		case len(path) == 1:
			repl.Store.DelTables()
		case len(path) == 2:
			repl.Store.DelTable(path[1])
		case len(path) == 3:
			repl.Store.DelRow(path[1], path[2])
		default:
			repl.Store.DelCell(path[1], path[2], path[3], true)
		}
	})
	return nil
}

func (repl *REPL) CommandTables() error {
	var ids []string
	repl.locked(func() { ids = repl.Store.GetTableIDs() })
	return repl.print(ids)
}

func (repl *REPL) CommandValues() error {
	var ids []string
	repl.locked(func() { ids = repl.Store.GetValueIDs() })
	return repl.print(ids)
}

func (repl *REPL) CommandHash(arg string) error {
	path := rdx.Path{}
	if arg != "" {
		var err error
		if path, err = parsePath(arg); err != nil {
			return err
		}
	}
	var hash uint64
	repl.locked(func() { hash = repl.Store.GetHash(path) })
	_, err := fmt.Fprintf(repl.out, "%016x\n", hash)
	return err
}

func (repl *REPL) CommandCheckpoint(label string) error {
	var id string
	repl.locked(func() { id = repl.Checkpoints.AddCheckpoint(label) })
	_, err := fmt.Fprintf(repl.out, "checkpoint %s\n", id)
	return err
}

func (repl *REPL) move(back bool) error {
	var moved bool
	repl.locked(func() {
		backward, _, forward := repl.Checkpoints.GetCheckpointIDs()
		if back && len(backward) > 0 {
			repl.Checkpoints.GoBackward()
			moved = true
		} else if !back && len(forward) > 0 {
			repl.Checkpoints.GoForward()
			moved = true
		}
	})
	if !moved {
		return ErrNothingToRun
	}
	return nil
}

func (repl *REPL) CommandUndo() error {
	return repl.move(true)
}

func (repl *REPL) CommandRedo() error {
	return repl.move(false)
}

func (repl *REPL) CommandSync(ctx context.Context) error {
	if repl.Syncer == nil {
		return ErrNoSyncer
	}
	return repl.Syncer.StartSync(ctx)
}

func (repl *REPL) CommandSave(ctx context.Context) error {
	if repl.Persister == nil {
		return ErrNoPersister
	}
	return repl.Persister.Save(ctx)
}

func (repl *REPL) CommandLoad(ctx context.Context) error {
	if repl.Persister == nil {
		return ErrNoPersister
	}
	return repl.Persister.Load(ctx)
}

func (repl *REPL) CommandStats() error {
	stats := map[string]any{}
	if repl.Syncer != nil {
		stats["sync"] = repl.Syncer.GetStats()
	}
	if repl.Persister != nil {
		stats["persister"] = repl.Persister.GetStats()
	}
	return repl.print(stats)
}

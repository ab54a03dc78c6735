package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
)

func drive(t *testing.T, w *Watcher, passes int, collect *[]Event) {
	t.Helper()
	handle := func(e Event) bool {
		*collect = append(*collect, e)
		return true
	}
	for i := 0; i < passes; i++ {
		w.deletionPass(handle)
		w.createModifyPass(handle)
	}
}

func TestCreateThenModifyThenDelete(t *testing.T) {
	root := t.TempDir()
	w := New(root, time.Hour)
	defer w.Close()

	var events []Event

	// Pass 1: file does not exist yet.
	drive(t, w, 1, &events)
	require.Empty(t, events)

	path := filepath.Join(root, `a.txt`)
	require.NoError(t, os.WriteFile(path, []byte(`hello`), 0o644))

	drive(t, w, 1, &events)
	require.Len(t, events, 1)
	require.Equal(t, Created, events[0].Status)
	require.Equal(t, `a.txt`, events[0].Entry.RelativePath)
	events = nil

	require.NoError(t, os.WriteFile(path, []byte(`hello world`), 0o644))
	drive(t, w, 1, &events)
	require.Len(t, events, 1)
	require.Equal(t, Modified, events[0].Status)
	events = nil

	require.NoError(t, os.Remove(path))
	drive(t, w, 1, &events)
	require.Len(t, events, 1)
	require.Equal(t, Deleted, events[0].Status)
}

func TestDeletionHonorsBackpressure(t *testing.T) {
	root := t.TempDir()
	w := New(root, time.Hour)
	defer w.Close()

	path := filepath.Join(root, `a.txt`)
	require.NoError(t, os.WriteFile(path, []byte(`x`), 0o644))
	var events []Event
	drive(t, w, 1, &events)
	require.Len(t, events, 1)

	require.NoError(t, os.Remove(path))

	rejectOnce := true
	count := 0
	w.deletionPass(func(e Event) bool {
		count++
		if rejectOnce {
			rejectOnce = false
			return false
		}
		return true
	})
	require.Equal(t, 1, count)
	require.Contains(t, w.paths, path) // not removed, will be retried

	w.deletionPass(func(e Event) bool { count++; return true })
	require.Equal(t, 2, count)
	require.NotContains(t, w.paths, path)
}

func TestDeletionOrdersLeavesBeforeParents(t *testing.T) {
	root := t.TempDir()
	w := New(root, time.Hour)
	defer w.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(root, `dir`), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, `dir`, `leaf.txt`), []byte(`x`), 0o644))

	var events []Event
	drive(t, w, 1, &events)
	require.Len(t, events, 2)

	require.NoError(t, os.RemoveAll(filepath.Join(root, `dir`)))

	var order []Event
	w.deletionPass(func(e Event) bool {
		order = append(order, e)
		return true
	})
	require.Len(t, order, 2)
	require.Equal(t, `dir/leaf.txt`, order[0].Entry.RelativePath)
	require.Equal(t, `dir`, order[1].Entry.RelativePath)
}

func TestSeedEmitsModifiedForExistingEntriesOnly(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	local, err := catalog.OpenLocal(filepath.Join(dir, `local.db`))
	require.NoError(t, err)
	defer local.Close()

	present := filepath.Join(root, `present.txt`)
	require.NoError(t, os.WriteFile(present, []byte(`x`), 0o644))
	presentEntry, err := fsentry.Scan(root, present)
	require.NoError(t, err)
	require.NoError(t, local.Insert(presentEntry))

	goneEntry := presentEntry
	goneEntry.RelativePath = `gone.txt`
	require.NoError(t, local.Insert(goneEntry))

	w := New(root, time.Hour)
	defer w.Close()
	require.NoError(t, w.Seed(local))

	var events []Event
	w.emitSeeded(func(e Event) bool {
		events = append(events, e)
		return true
	})
	require.Len(t, events, 1)
	require.Equal(t, `present.txt`, events[0].Entry.RelativePath)
	require.Equal(t, Modified, events[0].Status)
}

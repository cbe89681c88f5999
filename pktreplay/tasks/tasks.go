package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/pktreplay/pktreplay/cli"
	"github.com/go-appsec/pktreplay/pktreplay/cliutil"
	"github.com/go-appsec/pktreplay/pktreplay/service"
	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/scheduler"
	"github.com/go-appsec/pktreplay/pktreplay/service/store"
)

const localTimeLayout = "2006-01-02 15:04"

var repeatModes = []string{string(scheduler.RepeatOnce), string(scheduler.RepeatHourly), string(scheduler.RepeatDaily)}

type addOptions struct {
	At       string
	In       time.Duration
	Repeat   string
	Disabled bool
}

// fireTime resolves --at / --in against now.
func (o addOptions) fireTime(now time.Time) (time.Time, error) {
	switch {
	case o.At != "" && o.In != 0:
		return time.Time{}, errors.New("--at and --in are mutually exclusive")
	case o.In < 0:
		return time.Time{}, fmt.Errorf("invalid --in value %s: must not be negative", o.In)
	case o.In > 0:
		return now.Add(o.In), nil
	case o.At == "":
		return time.Time{}, errors.New("one of --at or --in is required")
	}

	if t, err := time.Parse(time.RFC3339, o.At); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localTimeLayout, o.At, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at value %q: use RFC3339 or %q", o.At, localTimeLayout)
	}
	return t, nil
}

// withTasks loads the task list, applies fn, and saves the result when fn
// reports a change.
func withTasks(dataDir string, fn func(repo *store.Repository, tasks []scheduler.ReplayTask) ([]scheduler.ReplayTask, bool, error)) error {
	repo, err := service.OpenRepository(dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	tasks, err := repo.LoadTasks()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	updated, changed, err := fn(repo, tasks)
	if err != nil || !changed {
		return err
	}
	if err := repo.SaveTasks(updated); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

func taskIDs(tasks []scheduler.ReplayTask) []uuid.UUID {
	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func list(w io.Writer, dataDir string, jsonOut bool, now time.Time) error {
	return withTasks(dataDir, func(_ *store.Repository, tasks []scheduler.ReplayTask) ([]scheduler.ReplayTask, bool, error) {
		if jsonOut {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if tasks == nil {
				tasks = []scheduler.ReplayTask{}
			}
			return nil, false, enc.Encode(tasks)
		} else if len(tasks) == 0 {
			cliutil.NoResults(w, "No scheduled tasks.")
			return nil, false, nil
		}

		t := cliutil.NewTable(w)
		t.AppendHeader(table.Row{"ID", "Record", "Protocol", "Scheduled", "Repeat", "Enabled", "Next Fire"})
		if painter := cliutil.ProtocolRowPainter(w, 2); painter != nil {
			t.SetRowPainter(painter)
		}
		for _, task := range tasks {
			next := "-"
			if task.Enabled {
				if at, ok := scheduler.NextFireTime(task, now); ok {
					next = at.Local().Format(localTimeLayout)
				} else {
					next = "never (past)"
				}
			}
			t.AppendRow(table.Row{
				cliutil.ShortID(task.ID),
				task.Record.DisplayName(),
				string(task.Record.Protocol),
				task.ScheduledTime.Local().Format(localTimeLayout),
				string(task.Repeat),
				task.Enabled,
				next,
			})
		}
		t.Render()
		cliutil.Summary(w, len(tasks), "task", "tasks")
		return nil, false, nil
	})
}

func add(w io.Writer, dataDir, recordArg string, opts addOptions, now time.Time) error {
	repeat, err := scheduler.ParseRepeatMode(opts.Repeat)
	if err != nil {
		return cli.InvalidValueError("repeat", opts.Repeat, repeatModes)
	}
	at, err := opts.fireTime(now)
	if err != nil {
		return err
	}

	return withTasks(dataDir, func(repo *store.Repository, tasks []scheduler.ReplayTask) ([]scheduler.ReplayTask, bool, error) {
		records, err := repo.LoadRecords()
		if err != nil {
			return nil, false, fmt.Errorf("load records: %w", err)
		}
		ids := make([]uuid.UUID, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		id, err := cliutil.MatchID(recordArg, ids)
		if err != nil {
			return nil, false, err
		}
		rec, err := repo.FindRecord(id)
		if err != nil {
			return nil, false, err
		}

		task := scheduler.NewTask(rec, at.UTC(), repeat)
		task.Enabled = !opts.Disabled
		if _, ok := scheduler.NextFireTime(task, now); !ok {
			_, _ = fmt.Fprintln(w, "warning: scheduled time is in the past; a once task will never fire")
		}

		_, _ = fmt.Fprintf(w, "Added task `%s` for %s (%s, %s)\n",
			cliutil.ShortID(task.ID), describe(task.Record), at.Local().Format(localTimeLayout), repeat)
		return append(tasks, task), true, nil
	})
}

func remove(w io.Writer, dataDir, taskArg string) error {
	return withTasks(dataDir, func(_ *store.Repository, tasks []scheduler.ReplayTask) ([]scheduler.ReplayTask, bool, error) {
		id, err := cliutil.MatchID(taskArg, taskIDs(tasks))
		if err != nil {
			return nil, false, err
		}
		tasks = slices.DeleteFunc(tasks, func(t scheduler.ReplayTask) bool { return t.ID == id })
		_, _ = fmt.Fprintf(w, "Removed task `%s`\n", cliutil.ShortID(id))
		return tasks, true, nil
	})
}

func setEnabled(w io.Writer, dataDir, taskArg string, enabled bool) error {
	return withTasks(dataDir, func(_ *store.Repository, tasks []scheduler.ReplayTask) ([]scheduler.ReplayTask, bool, error) {
		id, err := cliutil.MatchID(taskArg, taskIDs(tasks))
		if err != nil {
			return nil, false, err
		}
		idx := slices.IndexFunc(tasks, func(t scheduler.ReplayTask) bool { return t.ID == id })

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		if tasks[idx].Enabled == enabled {
			_, _ = fmt.Fprintf(w, "Task `%s` already %s\n", cliutil.ShortID(id), state)
			return nil, false, nil
		}
		tasks[idx].Enabled = enabled
		_, _ = fmt.Fprintf(w, "Task `%s` %s\n", cliutil.ShortID(id), state)
		return tasks, true, nil
	})
}

func describe(rec capture.CapturedRecord) string {
	if rec.RequestURL != "" {
		return rec.ProcessName + " " + rec.RequestURL
	}
	return rec.DisplayName()
}

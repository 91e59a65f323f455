// Package tui renders the task board, interactively or as a plain table.
package tui

import (
	"fmt"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
)

// Row is one task line on the board.
type Row struct {
	ID      string
	Title   string
	Stage   stage.Stage
	Status  stage.Status
	Model   string
	LastRun string
}

// Board is a snapshot of a project's tasks.
type Board struct {
	Project string
	Rows    []Row
	Counts  map[stage.Status]int
}

// Source produces a fresh board snapshot.
type Source func() (Board, error)

// LoadBoard reads every task of a project together with its latest run.
func LoadBoard(project string, tasks task.Store, runs history.Store, warn func(string)) (Board, error) {
	items, err := tasks.List(warn)
	if err != nil {
		return Board{}, fmt.Errorf("load tasks: %w", err)
	}
	board := Board{Project: project, Rows: make([]Row, 0, len(items)), Counts: map[stage.Status]int{}}
	for _, item := range items {
		row := Row{ID: item.ID, Title: item.Title, Stage: item.Stage, Status: item.Status}
		if ref, ok := item.ModelRef(); ok {
			row.Model = ref.String()
		}
		if records := runs.Read(item.ID); len(records) > 0 {
			row.LastRun = describeRun(records[len(records)-1])
		}
		board.Counts[item.Status]++
		board.Rows = append(board.Rows, row)
	}
	return board, nil
}

// describeRun summarizes a run as status plus age or duration.
func describeRun(record history.Record) string {
	if record.Status == stage.StatusInProgress {
		return fmt.Sprintf("%s since %s", record.Status, record.StartedAt.Local().Format("15:04:05"))
	}
	if record.DurationMs != nil {
		duration := (time.Duration(*record.DurationMs) * time.Millisecond).Round(time.Second)
		return fmt.Sprintf("%s in %s", record.Status, duration)
	}
	return string(record.Status)
}

// countsLine renders the per-status totals in a fixed order.
func countsLine(board Board) string {
	return fmt.Sprintf("Tasks: %d  new=%d in-progress=%d done=%d failed=%d",
		len(board.Rows),
		board.Counts[stage.StatusNew],
		board.Counts[stage.StatusInProgress],
		board.Counts[stage.StatusDone],
		board.Counts[stage.StatusFailed],
	)
}

// cells returns the row values in column order.
func (row Row) cells() []string {
	return []string{row.ID, string(row.Stage), string(row.Status), row.Model, row.LastRun, row.Title}
}

// columnTitles matches Row.cells.
var columnTitles = []string{"ID", "Stage", "Status", "Model", "Last run", "Title"}

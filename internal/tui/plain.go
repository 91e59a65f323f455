package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// RenderPlain renders the board as a borderless table for pipes and logs.
func RenderPlain(board Board) string {
	rows := make([][]string, 0, len(board.Rows))
	for _, row := range board.Rows {
		rows = append(rows, row.cells())
	}
	rendered := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		StyleFunc(func(_, _ int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(2) }).
		Headers(columnTitles...).
		Rows(rows...)
	return fmt.Sprintf("%s\n%s\n%s\n", board.Project, countsLine(board), rendered.Render())
}

// WritePlain writes RenderPlain output to out.
func WritePlain(out io.Writer, board Board) error {
	_, err := io.WriteString(out, RenderPlain(board))
	return err
}

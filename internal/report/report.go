// Package report renders run summaries for the terminal.
package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/patentsim/transformer/internal/device"
	"github.com/patentsim/transformer/internal/metrics"
)

type styles struct {
	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	dim    lipgloss.Style
	panel  lipgloss.Style
	border lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(brand),
		header: lipgloss.NewStyle().Bold(true).Foreground(brand).Padding(0, 1),
		cell:   lipgloss.NewStyle().Padding(0, 1),
		dim:    lipgloss.NewStyle().Foreground(subtle),
		panel:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		border: lipgloss.NewStyle().Foreground(border),
	}
}

// RenderEpochs draws one row per epoch pass
func RenderEpochs(epochs []metrics.EpochSummary) string {
	st := defaultStyles()
	if len(epochs) == 0 {
		return st.dim.Render("no epochs completed")
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(st.border).
		Headers("epoch", "phase", "loss", "accuracy", "batches", "examples", "time").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			return st.cell
		})
	for _, e := range epochs {
		t.Row(
			strconv.Itoa(e.Epoch),
			string(e.Phase),
			fmt.Sprintf("%.4f", e.Loss),
			fmt.Sprintf("%.2f%%", e.Accuracy),
			strconv.Itoa(e.Batches),
			strconv.Itoa(e.Examples),
			e.Duration.Round(1e6).String(),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, st.title.Render("Epochs"), t.String())
}

// RenderDevice draws the compute target and model size of a run
func RenderDevice(d device.Device, numParams int) string {
	st := defaultStyles()
	lines := []string{
		st.title.Render("Device"),
		fmt.Sprintf("%s %s", st.dim.Render("cpu:    "), d.Brand),
		fmt.Sprintf("%s %d", st.dim.Render("workers:"), d.Workers),
		fmt.Sprintf("%s %s", st.dim.Render("simd:   "), d.Vector),
		fmt.Sprintf("%s %d", st.dim.Render("params: "), numParams),
	}
	return st.panel.Render(strings.Join(lines, "\n"))
}

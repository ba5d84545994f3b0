package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ServerRow is one discovered tool server, for `pyrunner servers list`.
type ServerRow struct {
	Name    string
	Alias   string
	Command string
	Source  string
}

// ContainerRow is one sandbox container, for `pyrunner containers ps`.
type ContainerRow struct {
	ID     string
	Image  string
	State  string
	Status string
}

// CheckRow is one doctor report line item.
type CheckRow struct {
	Check  string
	Status string // ok, warn, fail
	Detail string
}

// Servers prints the discovered tool-server table.
func (p *Printer) Servers(rows []ServerRow) {
	if len(rows) == 0 {
		p.Println("no tool servers discovered")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Name", "Alias", "Command", "Source"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Name, r.Alias, r.Command, r.Source})
	}

	t.Render()
	p.Println()
}

// Containers prints the managed sandbox container table.
func (p *Printer) Containers(rows []ContainerRow) {
	if len(rows) == 0 {
		p.Println("no managed containers found")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"ID", "Image", "State", "Status"})
	for _, r := range rows {
		state := r.State
		if p.isTTY {
			state = colorState(r.State)
		}
		t.AppendRow(table.Row{r.ID, r.Image, state, r.Status})
	}

	t.Render()
	p.Println()
}

// Checks prints a doctor report as a table.
func (p *Printer) Checks(rows []CheckRow) {
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())

	t.AppendHeader(table.Row{"Check", "Status", "Detail"})
	for _, r := range rows {
		status := r.Status
		if p.isTTY {
			status = colorCheckStatus(r.Status)
		}
		t.AppendRow(table.Row{r.Check, status, r.Detail})
	}

	t.Render()
	p.Println()
}

// colorState applies color to a container/server run state.
func colorState(state string) string {
	var style lipgloss.Style
	switch state {
	case "running", "ready", "ok":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "failed", "error", "exited":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "pending", "creating":
		style = lipgloss.NewStyle().Foreground(ColorAmber)
	case "stopped":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(state)
}

// colorCheckStatus applies color to a doctor check's ok/warn/fail status.
func colorCheckStatus(status string) string {
	var style lipgloss.Style
	switch status {
	case "ok":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "warn":
		style = lipgloss.NewStyle().Foreground(ColorAmber)
	case "fail":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(status)
}

// Section prints a section header.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorAmber).Bold(true)
		p.Println(style.Render(title))
	} else {
		p.Println(title)
	}
}

// tableStyle returns the standard table style.
func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if p.isTTY {
		style.Color.Header = text.Colors{text.FgHiYellow, text.Bold}
		style.Color.Border = text.Colors{text.FgHiBlack}
	}
	style.Options.SeparateRows = false
	return style
}

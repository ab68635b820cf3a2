package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Command is one slash command of the interactive chat.
type Command struct {
	Name string // e.g. "/load"
	Args string // e.g. "<id>"
	Desc string
}

// Commands lists the chat's slash commands in display order.
func Commands() []Command {
	return []Command{
		{Name: "/new", Desc: "Save this chat and start a new one"},
		{Name: "/load", Args: "<id>", Desc: "Open a saved chat"},
		{Name: "/upload", Args: "<file.pdf>", Desc: "Ask questions about a PDF"},
		{Name: "/sessions", Args: "[term]", Desc: "List saved chats, optionally filtered"},
		{Name: "/rename", Args: "<id> <title>", Desc: "Rename a saved chat"},
		{Name: "/delete", Args: "<id>", Desc: "Delete a saved chat"},
		{Name: "/dismiss", Desc: "Clear the last error"},
		{Name: "/help", Desc: "Show this help"},
		{Name: "/quit", Desc: "Save and exit"},
	}
}

// HelpText renders Commands as aligned plain text.
func HelpText() string {
	cmds := Commands()
	width := 0
	for _, c := range cmds {
		width = max(width, len(usage(c)))
	}
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, usage(c), c.Desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

func usage(c Command) string {
	if c.Args == "" {
		return c.Name
	}
	return c.Name + " " + c.Args
}

// filterCommands returns the commands whose name starts with prefix,
// case-insensitively.
func filterCommands(cmds []Command, prefix string) []Command {
	if prefix == "" || prefix == "/" {
		return cmds
	}
	lower := strings.ToLower(prefix)
	var out []Command
	for _, c := range cmds {
		if strings.HasPrefix(c.Name, lower) {
			out = append(out, c)
		}
	}
	return out
}

var (
	menuBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	menuItem         = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	menuItemSelected = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	menuDesc         = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// renderCommandMenu draws the completion dropdown shown while typing a
// command. sel is the highlighted index.
func renderCommandMenu(cmds []Command, sel, width int) string {
	if len(cmds) == 0 {
		return ""
	}
	nameWidth := 0
	for _, c := range cmds {
		nameWidth = max(nameWidth, len(usage(c)))
	}
	lines := make([]string, len(cmds))
	for i, c := range cmds {
		name := usage(c) + strings.Repeat(" ", nameWidth-len(usage(c)))
		style := menuItem
		if i == sel {
			style = menuItemSelected
		}
		lines[i] = style.Render(name) + "   " + menuDesc.Render(c.Desc)
	}
	return menuBorder.MaxWidth(max(width-6, 30)).Render(strings.Join(lines, "\n"))
}

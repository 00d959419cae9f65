package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wasmic/wasmic/invoker"
	"github.com/wasmic/wasmic/schema"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type replState int

const (
	stateSelectFunc replState = iota
	stateInputArgs
	stateShowResult
)

type replModel struct {
	ctx context.Context
	inv *invoker.Invoker

	err      error
	funcs    []invoker.FunctionInfo
	inputs   []textinput.Model
	result   string
	selected int
	focusIdx int
	state    replState
}

func newReplModel(ctx context.Context, inv *invoker.Invoker) *replModel {
	return &replModel{ctx: ctx, inv: inv, state: stateSelectFunc}
}

type loadedMsg struct {
	err   error
	funcs []invoker.FunctionInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *replModel) Init() tea.Cmd {
	return m.loadFunctions
}

func (m *replModel) loadFunctions() tea.Msg {
	funcs, failures := m.inv.List(m.ctx)
	if len(funcs) == 0 {
		for name, err := range failures {
			return loadedMsg{err: fmt.Errorf("%s: %w", name, err)}
		}
		return loadedMsg{err: fmt.Errorf("no functions exported by the profile")}
	}
	return loadedMsg{funcs: funcs}
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateSelectFunc || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *replModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.Signature.Params))
	for i, p := range f.Signature.Params {
		ti := textinput.New()
		ti.Placeholder = p.Type.String()
		ti.Prompt = p.Name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *replModel) callFunction() tea.Msg {
	f := m.funcs[m.selected]

	args := make(map[string]any, len(m.inputs))
	for i, input := range m.inputs {
		p := f.Signature.Params[i]
		v, err := parseInput(input.Value(), p.Type)
		if err != nil {
			return callResultMsg{err: err}
		}
		if v != nil || p.Type.Kind != schema.KindOption {
			args[p.Name] = v
		}
	}

	res, err := m.inv.Invoke(m.ctx, invoker.Request{
		Component: f.Component,
		Function:  f.Function,
		Args:      args,
	})
	if err != nil {
		return callResultMsg{err: err}
	}

	if res.Value == nil {
		return callResultMsg{result: "ok"}
	}
	out, err := json.MarshalIndent(res.Value, "", "  ")
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: string(out)}
}

// parseInput turns one text field into an argument value. Strings pass
// through as typed; everything else is parsed as JSON so numbers,
// lists and records all work from the same field. An empty field on an
// option parameter means none.
func parseInput(value string, t *schema.Type) (any, error) {
	if t.Kind == schema.KindString {
		return value, nil
	}
	if value == "" {
		if t.Kind == schema.KindOption {
			return nil, nil
		}
		return nil, fmt.Errorf("value required for %s", t.String())
	}
	if t.Kind == schema.KindEnum {
		return value, nil
	}

	dec := json.NewDecoder(strings.NewReader(value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		// Bare words on string-ish payloads are friendlier than a
		// JSON syntax error.
		if t.Kind == schema.KindOption && t.Elem.Kind == schema.KindString {
			return value, nil
		}
		return nil, fmt.Errorf("parse %q as %s: %w", value, t.String(), err)
	}
	return v, nil
}

func (m *replModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if len(m.funcs) == 0 {
		return "Loading components..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("wasmic"))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			line := f.Component + "." + formatSignature(f.Signature)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Component+"."+f.Function)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(f.Signature.Params[i].Type.String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Component+"."+f.Function)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatSignature(fn *schema.Function) string {
	var params []string
	for _, p := range fn.Params {
		params = append(params, p.Name+": "+p.Type.String())
	}
	sig := fn.Name + "(" + strings.Join(params, ", ") + ")"
	if fn.Result != nil {
		sig += " -> " + fn.Result.String()
	}
	return sig
}

func runInteractive(ctx context.Context, inv *invoker.Invoker) error {
	p := tea.NewProgram(newReplModel(ctx, inv), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

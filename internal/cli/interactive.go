package cli

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/tts"
)

// menuItem represents a single configurable option in the TUI.
type menuItem struct {
	label    string
	value    string
	options  []menuOption
	required bool
	editing  bool
	cursor   int // cursor within options when editing
}

type menuOption struct {
	label string
	value string
}

// menuState tracks which phase the TUI is in.
type menuState int

const (
	stateMenu menuState = iota
	stateEditing
)

// tuiModel is the Bubble Tea model for the interactive menu.
type tuiModel struct {
	items     []menuItem
	cursor    int
	state     menuState
	width     int
	err       error
	confirmed bool
	cancelled bool
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1)

	menuLabelStyle = lipgloss.NewStyle().
			Width(18).
			Align(lipgloss.Right).
			MarginRight(2)

	menuValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	menuValueDimStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#555555")).
				Italic(true)

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	requiredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	optionStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	selectedOptionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#04B575")).
				Bold(true).
				PaddingLeft(2)

	buttonStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 3)

	buttonDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#555555")).
			Padding(0, 3)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	headerBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("#7D56F4")).
			MarginBottom(1).
			PaddingBottom(0)
)

const (
	idxTranscript   = 0
	idxReferences   = 1
	idxSpeedMode    = 2
	idxSpeedFactor  = 3
	idxExaggeration = 4
	idxCFGWeight    = 5
	idxSynth        = 6
	idxOnError      = 7
	idxGenerate     = 8
)

const (
	modeNone  = "none"
	modeFixed = "fixed"
	modeMatch = "match"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func floatOptions(current float64, values ...float64) []menuOption {
	cur := formatFloat(current)
	var opts []menuOption
	found := false
	for _, v := range values {
		s := formatFloat(v)
		if s == cur {
			found = true
		}
		opts = append(opts, menuOption{label: s, value: s})
	}
	if !found {
		opts = append([]menuOption{{label: cur + " (current)", value: cur}}, opts...)
	}
	return opts
}

func buildMenuItems(job *config.Job) []menuItem {
	mode := modeNone
	factor := 1.0
	switch {
	case job.MatchTimestamps:
		mode = modeMatch
	case job.Speed != nil:
		mode = modeFixed
		factor = *job.Speed
	}

	synth := job.Synth.Adapter
	if synth == "" {
		synth = tts.AdapterCommand
	}
	onError := job.OnSynthesisError
	if onError == "" {
		onError = string(config.FailAbort)
	}

	items := []menuItem{
		{label: "Transcript", value: job.Transcript, required: true},
		{label: "Reference voices", value: strings.Join(job.References, ", "), required: true},
		{label: "Speed", value: mode, options: []menuOption{
			{label: "As synthesized", value: modeNone},
			{label: "Fixed multiplier", value: modeFixed},
			{label: "Match original timestamps (0.8-1.5x)", value: modeMatch},
		}},
		{label: "Speed multiplier", value: formatFloat(factor), options: floatOptions(factor, 0.8, 0.9, 1, 1.1, 1.25, 1.5)},
		{label: "Exaggeration", value: formatFloat(job.Exaggeration), options: floatOptions(job.Exaggeration, 0.3, 0.5, 0.6, 0.8, 1)},
		{label: "CFG weight", value: formatFloat(job.CFGWeight), options: floatOptions(job.CFGWeight, 0.3, 0.5, 0.7, 0.9)},
		{label: "Synthesizer", value: synth, options: []menuOption{
			{label: "Local command", value: tts.AdapterCommand},
			{label: "HTTP server", value: tts.AdapterHTTP},
		}},
		{label: "On failure", value: onError, options: []menuOption{
			{label: "Abort the run", value: string(config.FailAbort)},
			{label: "Skip the segment", value: string(config.FailSkip)},
		}},
		{label: ">>> Generate <<<"},
	}

	// Pre-select cursor position for options
	for i := range items {
		for j, opt := range items[i].options {
			if opt.value == items[i].value {
				items[i].cursor = j
				break
			}
		}
	}
	return items
}

func initialTUIModel(job *config.Job) tuiModel {
	return tuiModel{
		items:  buildMenuItems(job),
		cursor: idxTranscript,
		state:  stateMenu,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) isTextInput(idx int) bool {
	return idx == idxTranscript || idx == idxReferences
}

// hidden reports whether an item does not apply to the current selections.
func (m tuiModel) hidden(idx int) bool {
	return idx == idxSpeedFactor && m.items[idxSpeedMode].value != modeFixed
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case stateMenu:
			return m.updateMenu(msg)
		case stateEditing:
			return m.updateEditing(msg)
		}
	}
	return m, nil
}

func (m *tuiModel) move(delta int) {
	next := m.cursor + delta
	for next >= 0 && next < len(m.items) && m.hidden(next) {
		next += delta
	}
	if next >= 0 && next < len(m.items) {
		m.cursor = next
	}
}

func (m tuiModel) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.cancelled = true
		return m, tea.Quit

	case "up", "k":
		m.move(-1)

	case "down", "j":
		m.move(1)

	case "enter", " ":
		if m.cursor == idxGenerate {
			if err := m.validate(); err != nil {
				m.err = err
				return m, nil
			}
			m.confirmed = true
			return m, tea.Quit
		}
		if m.isTextInput(m.cursor) || len(m.items[m.cursor].options) > 0 {
			m.state = stateEditing
			m.items[m.cursor].editing = true
			m.err = nil
		}
	}
	return m, nil
}

func (m tuiModel) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	idx := m.cursor
	item := &m.items[idx]

	if m.isTextInput(idx) {
		switch msg.String() {
		case "enter":
			item.editing = false
			m.state = stateMenu
			m.move(1)
		case "esc":
			item.editing = false
			m.state = stateMenu
		case "backspace":
			if r := []rune(item.value); len(r) > 0 {
				item.value = string(r[:len(r)-1])
			}
		case "ctrl+u":
			item.value = ""
		default:
			// typed characters and pasted text
			if msg.Type == tea.KeyRunes {
				item.value += string(msg.Runes)
			}
		}
		return m, nil
	}

	switch msg.String() {
	case "enter", " ":
		if item.cursor >= 0 && item.cursor < len(item.options) {
			item.value = item.options[item.cursor].value
		}
		item.editing = false
		m.state = stateMenu
		m.move(1)

	case "esc":
		item.editing = false
		m.state = stateMenu

	case "up", "k":
		if item.cursor > 0 {
			item.cursor--
		}

	case "down", "j":
		if item.cursor < len(item.options)-1 {
			item.cursor++
		}
	}
	return m, nil
}

func (m tuiModel) validate() error {
	if strings.TrimSpace(m.items[idxTranscript].value) == "" {
		return fmt.Errorf("Transcript is required")
	}
	if len(splitList(m.items[idxReferences].value)) == 0 {
		return fmt.Errorf("At least one reference voice is required")
	}
	return nil
}

// applyTo copies the confirmed selections onto job.
func (m tuiModel) applyTo(job *config.Job) {
	job.Transcript = strings.TrimSpace(m.items[idxTranscript].value)
	job.References = splitList(m.items[idxReferences].value)

	job.MatchTimestamps = false
	job.Speed = nil
	switch m.items[idxSpeedMode].value {
	case modeMatch:
		job.MatchTimestamps = true
	case modeFixed:
		if f, err := strconv.ParseFloat(m.items[idxSpeedFactor].value, 64); err == nil {
			job.Speed = &f
		}
	}
	if f, err := strconv.ParseFloat(m.items[idxExaggeration].value, 64); err == nil {
		job.Exaggeration = f
	}
	if f, err := strconv.ParseFloat(m.items[idxCFGWeight].value, 64); err == nil {
		job.CFGWeight = f
	}
	job.Synth.Adapter = m.items[idxSynth].value
	job.OnSynthesisError = m.items[idxOnError].value
}

// splitList splits a comma-separated list and drops empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (m tuiModel) View() string {
	var b strings.Builder

	b.WriteString(headerBorder.Render(titleStyle.Render("Dubber")))
	b.WriteString("\n")

	for i, item := range m.items {
		if m.hidden(i) {
			continue
		}
		isActive := m.cursor == i

		if i == idxGenerate {
			b.WriteString("\n")
			if isActive {
				b.WriteString("  " + buttonStyle.Render(" Generate "))
			} else {
				b.WriteString("  " + buttonDimStyle.Render(" Generate "))
			}
			b.WriteString("\n")
			continue
		}

		cursor := "  "
		if isActive {
			cursor = cursorStyle.Render("> ")
		}

		label := item.label
		if item.required {
			label = label + requiredStyle.Render("*")
		}
		renderedLabel := menuLabelStyle.Render(label)

		var renderedValue string
		switch {
		case item.editing && m.isTextInput(i):
			renderedValue = menuValueStyle.Render(item.value + "_")
		case item.value == "":
			placeholder := "(not set)"
			if i == idxReferences {
				placeholder = "(comma-separated, SPEAKER_00 first)"
			}
			renderedValue = menuValueDimStyle.Render(placeholder)
		default:
			displayVal := item.value
			for _, opt := range item.options {
				if opt.value == item.value {
					displayVal = opt.label
					break
				}
			}
			renderedValue = menuValueStyle.Render(displayVal)
		}

		b.WriteString(cursor + renderedLabel + " " + renderedValue + "\n")

		if item.editing && len(item.options) > 0 {
			for j, opt := range item.options {
				if j == item.cursor {
					b.WriteString(selectedOptionStyle.Render("> "+opt.label) + "\n")
				} else {
					b.WriteString(optionStyle.Render("  "+opt.label) + "\n")
				}
			}
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("  Error: "+m.err.Error()) + "\n")
	}

	switch m.state {
	case stateMenu:
		b.WriteString(helpStyle.Render("  j/k or arrows to navigate | enter to edit | q to quit"))
	case stateEditing:
		if m.isTextInput(m.cursor) {
			b.WriteString(helpStyle.Render("  type value | enter to confirm | esc to cancel | ctrl+u to clear"))
		} else {
			b.WriteString(helpStyle.Render("  j/k or arrows to pick | enter to select | esc to cancel"))
		}
	}
	b.WriteString("\n")

	return b.String()
}

// runInteractiveSetup lets the user review and edit job before it runs.
func runInteractiveSetup(job *config.Job) error {
	p := tea.NewProgram(initialTUIModel(job), tea.WithAltScreen())
	result, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	final := result.(tuiModel)
	if final.cancelled {
		return fmt.Errorf("cancelled")
	}
	if !final.confirmed {
		return fmt.Errorf("generation cancelled")
	}
	final.applyTo(job)
	return nil
}

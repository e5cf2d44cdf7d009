// Package tui is the terminal result form. It drives a labresult.Session
// in-process: test types are checked on the left, parameter values are
// entered in the middle and the header fields on the right.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/domain/labresult"
)

// Backend is the part of labresult.Service the desk needs.
type Backend interface {
	ListTestTypes(ctx context.Context, limit, offset int) ([]labresult.TestType, error)
	ListDoctors(ctx context.Context) ([]labresult.Party, error)
	ListPatients(ctx context.Context) ([]labresult.Party, error)
	SubmitSession(ctx context.Context, tenant string, id uuid.UUID) (uuid.UUID, error)
}

type focus int

const (
	focusTests focus = iota
	focusValues
	focusHeader
)

const (
	headerPatient = iota
	headerDoctor
	headerDate
	headerPrice
	headerPaid
	headerNotes
	headerRows
)

var headerLabels = [headerRows]string{"Patient", "Doctor", "Date", "Price", "Paid", "Notes"}

type catalogMsg struct {
	types    []labresult.TestType
	doctors  []labresult.Party
	patients []labresult.Party
	err      error
}

type changedMsg struct{}

type submittedMsg struct {
	resultID uuid.UUID
	err      error
}

// valueRow addresses one visible parameter of a ready selection.
type valueRow struct {
	typeID uuid.UUID
	entry  labresult.ParameterEntry
}

// Model is the bubbletea model of one result form.
type Model struct {
	ctx     context.Context
	backend Backend
	sess    *labresult.Session

	types    []labresult.TestType
	doctors  []labresult.Party
	patients []labresult.Party
	names    map[uuid.UUID]string

	view   labresult.SessionView
	fields labresult.HeaderFields

	focus        focus
	typeCursor   int
	valueCursor  int
	headerCursor int

	editing bool
	input   textinput.Model
	spinner spinner.Model

	submitting bool
	resultID   uuid.UUID
	status     string
	err        error
	quitting   bool

	width  int
	height int
}

// New builds a desk over an open session.
func New(ctx context.Context, backend Backend, sess *labresult.Session) Model {
	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 30

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subtleStyle

	view := sess.View()
	return Model{
		ctx:     ctx,
		backend: backend,
		sess:    sess,
		names:   make(map[uuid.UUID]string),
		view:    view,
		fields:  view.Fields,
		input:   ti,
		spinner: sp,
	}
}

// Run shows the desk until the user quits or submits. It returns the id of
// the submitted result, or uuid.Nil.
func Run(ctx context.Context, backend Backend, sess *labresult.Session) (uuid.UUID, error) {
	p := tea.NewProgram(New(ctx, backend, sess), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return uuid.Nil, err
	}
	m := final.(Model)
	return m.resultID, m.err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCatalog(), m.waitForChange(), m.spinner.Tick)
}

func (m Model) loadCatalog() tea.Cmd {
	return func() tea.Msg {
		var msg catalogMsg
		msg.types, msg.err = m.backend.ListTestTypes(m.ctx, 0, 0)
		if msg.err != nil {
			return msg
		}
		if msg.doctors, msg.err = m.backend.ListDoctors(m.ctx); msg.err != nil {
			return msg
		}
		msg.patients, msg.err = m.backend.ListPatients(m.ctx)
		return msg
	}
}

// waitForChange blocks on the session's change signal.
func (m Model) waitForChange() tea.Cmd {
	changes := m.sess.Changes()
	return func() tea.Msg {
		select {
		case <-changes:
			return changedMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) submit() tea.Cmd {
	return func() tea.Msg {
		id, err := m.backend.SubmitSession(m.ctx, m.sess.Tenant(), m.sess.ID())
		return submittedMsg{resultID: id, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case catalogMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "catalog unavailable"
			return m, nil
		}
		m.types, m.doctors, m.patients = msg.types, msg.doctors, msg.patients
		for _, t := range m.types {
			m.names[t.ID] = t.Name
		}
		for _, p := range append(append([]labresult.Party{}, m.doctors...), m.patients...) {
			m.names[p.ID] = p.Name
		}
		return m, nil

	case changedMsg:
		m.refresh()
		if m.view.Closed {
			return m, nil
		}
		return m, m.waitForChange()

	case submittedMsg:
		m.submitting = false
		if msg.err != nil {
			m.err = msg.err
			m.status = describe(msg.err)
			m.refresh()
			return m, nil
		}
		m.err = nil
		m.resultID = msg.resultID
		m.status = "saved result " + msg.resultID.String()
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.editing {
			return m.handleEditKeys(msg)
		}
		return m.handleKeyPress(msg)
	}
	return m, nil
}

func (m *Model) refresh() {
	m.view = m.sess.View()
	if rows := m.valueRows(); m.valueCursor >= len(rows) {
		m.valueCursor = max(0, len(rows)-1)
	}
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "tab":
		m.focus = (m.focus + 1) % 3
		return m, nil
	case "shift+tab":
		m.focus = (m.focus + 2) % 3
		return m, nil
	case "ctrl+s":
		if m.submitting {
			return m, nil
		}
		m.submitting = true
		m.status = "saving..."
		return m, m.submit()
	case "up", "k":
		m.move(-1)
		return m, nil
	case "down", "j":
		m.move(1)
		return m, nil
	}

	switch m.focus {
	case focusTests:
		return m.handleTestKeys(msg)
	case focusValues:
		return m.handleValueKeys(msg)
	case focusHeader:
		return m.handleHeaderKeys(msg)
	}
	return m, nil
}

func (m *Model) move(delta int) {
	clamp := func(v, n int) int {
		if n == 0 {
			return 0
		}
		return min(max(v, 0), n-1)
	}
	switch m.focus {
	case focusTests:
		m.typeCursor = clamp(m.typeCursor+delta, len(m.types))
	case focusValues:
		m.valueCursor = clamp(m.valueCursor+delta, len(m.valueRows()))
	case focusHeader:
		m.headerCursor = clamp(m.headerCursor+delta, headerRows)
	}
}

func (m Model) handleTestKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if len(m.types) == 0 {
		return m, nil
	}
	id := m.types[m.typeCursor].ID
	var err error
	switch msg.String() {
	case " ", "enter":
		if m.selected(id) {
			err = m.sess.Deselect(id)
		} else {
			err = m.sess.Select(id)
		}
	case "r":
		err = m.sess.Reload(id)
	default:
		return m, nil
	}
	m.setErr(err)
	m.refresh()
	return m, nil
}

func (m Model) handleValueKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	rows := m.valueRows()
	if len(rows) == 0 {
		return m, nil
	}
	row := rows[m.valueCursor]
	switch msg.String() {
	case "enter":
		return m.startEdit(row.entry.Value)
	case "x", "delete":
		m.setErr(m.sess.RemoveParameter(row.typeID, row.entry.ParameterID()))
		m.refresh()
	}
	return m, nil
}

func (m Model) handleHeaderKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.headerCursor {
	case headerPatient, headerDoctor:
		step := 0
		switch msg.String() {
		case "left", "h":
			step = -1
		case "right", "l", "enter", " ":
			step = 1
		}
		if step != 0 {
			m.cycleParty(step)
		}
		return m, nil
	}
	if msg.String() == "enter" {
		return m.startEdit(m.headerValue(m.headerCursor))
	}
	return m, nil
}

func (m *Model) cycleParty(step int) {
	parties, field := m.patients, &m.fields.PatientID
	if m.headerCursor == headerDoctor {
		parties, field = m.doctors, &m.fields.DoctorID
	}
	if len(parties) == 0 {
		return
	}
	at := -1
	for i, p := range parties {
		if p.ID.String() == *field {
			at = i
		}
	}
	at = (at + step + len(parties)) % len(parties)
	*field = parties[at].ID.String()
	m.setErr(m.sess.SetFields(m.fields))
}

func (m Model) startEdit(value string) (tea.Model, tea.Cmd) {
	m.editing = true
	m.input.SetValue(value)
	m.input.CursorEnd()
	m.input.Focus()
	return m, textinput.Blink
}

func (m Model) handleEditKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.commitEdit(m.input.Value())
		m.editing = false
		m.input.Blur()
		m.refresh()
		return m, nil
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) commitEdit(value string) {
	switch m.focus {
	case focusValues:
		rows := m.valueRows()
		if m.valueCursor < len(rows) {
			row := rows[m.valueCursor]
			m.setErr(m.sess.SetValue(row.typeID, row.entry.ParameterID(), value))
		}
	case focusHeader:
		switch m.headerCursor {
		case headerDate:
			m.fields.ResultDate = value
		case headerPrice:
			m.fields.Price = value
		case headerPaid:
			m.fields.AmountPaid = value
		case headerNotes:
			m.fields.Notes = value
		}
		m.setErr(m.sess.SetFields(m.fields))
	}
}

func (m *Model) setErr(err error) {
	m.err = err
	if err != nil {
		m.status = describe(err)
	}
}

func (m Model) selected(id uuid.UUID) bool {
	for _, e := range m.view.Panel {
		if e.TypeID == id {
			return true
		}
	}
	return false
}

func (m Model) valueRows() []valueRow {
	var rows []valueRow
	for _, e := range m.view.Panel {
		if e.Status != labresult.LoadReady {
			continue
		}
		for _, p := range e.Parameters {
			if p.Visibility == labresult.Visible {
				rows = append(rows, valueRow{typeID: e.TypeID, entry: p})
			}
		}
	}
	return rows
}

func (m Model) headerValue(row int) string {
	switch row {
	case headerPatient:
		return m.partyName(m.fields.PatientID)
	case headerDoctor:
		return m.partyName(m.fields.DoctorID)
	case headerDate:
		return m.fields.ResultDate
	case headerPrice:
		return m.fields.Price
	case headerPaid:
		return m.fields.AmountPaid
	case headerNotes:
		return m.fields.Notes
	}
	return ""
}

func (m Model) partyName(id string) string {
	if id == "" {
		return ""
	}
	if u, err := uuid.Parse(id); err == nil {
		if name, ok := m.names[u]; ok {
			return name
		}
	}
	return id
}

// describe turns engine errors into a status line.
func describe(err error) string {
	var (
		verr *labresult.ValidationError
		perr *labresult.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		parts := make([]string, 0, len(verr.Fields))
		for _, f := range []string{"patient_id", "doctor_id", "result_date", "price", "amount_paid", "tests"} {
			if msg, ok := verr.Fields[f]; ok {
				parts = append(parts, f+": "+msg)
			}
		}
		return strings.Join(parts, "; ")
	case errors.As(err, &perr):
		return fmt.Sprintf("save failed at %s step; retry with ctrl+s", perr.Step)
	default:
		return err.Error()
	}
}

func (m Model) View() string {
	if m.quitting {
		if m.resultID != uuid.Nil {
			return successStyle.Render(m.status) + "\n"
		}
		return ""
	}

	title := "New result"
	if m.view.Edit && m.view.ResultID != nil {
		title = "Edit result " + m.view.ResultID.String()
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.pane(focusTests, "Tests", m.renderTests()),
		m.pane(focusValues, "Values", m.renderValues()),
		m.pane(focusHeader, "Header", m.renderHeader()),
	)

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	if m.status != "" {
		style := subtleStyle
		if m.err != nil {
			style = errorStyle
		}
		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(m.renderActionBar())
	return b.String()
}

func (m Model) pane(f focus, title, content string) string {
	style := paneStyle
	if m.focus == f {
		style = activePaneStyle
	}
	return style.Render(selectedStyle.Render(title) + "\n" + content)
}

func (m Model) renderTests() string {
	if len(m.types) == 0 {
		return subtleStyle.Render("no test types")
	}
	var b strings.Builder
	for i, t := range m.types {
		mark := "[ ]"
		suffix := ""
		if e, ok := m.entry(t.ID); ok {
			mark = "[x]"
			switch e.Status {
			case labresult.LoadLoading:
				suffix = " " + m.spinner.View()
			case labresult.LoadError:
				suffix = " " + errorStyle.Render("failed, r to retry")
			}
		}
		line := mark + " " + t.Name + suffix
		if m.focus == focusTests && i == m.typeCursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m Model) entry(id uuid.UUID) (labresult.SelectionEntry, bool) {
	for _, e := range m.view.Panel {
		if e.TypeID == id {
			return e, true
		}
	}
	return labresult.SelectionEntry{}, false
}

func (m Model) renderValues() string {
	rows := m.valueRows()
	if len(rows) == 0 {
		return subtleStyle.Render("select a test")
	}
	var (
		b    strings.Builder
		last uuid.UUID
	)
	for i, r := range rows {
		if r.typeID != last {
			b.WriteString(subtleStyle.Render(m.names[r.typeID]) + "\n")
			last = r.typeID
		}
		p := r.entry.Parameter
		value := r.entry.Value
		if m.editing && m.focus == focusValues && i == m.valueCursor {
			value = m.input.View()
		}
		line := fmt.Sprintf("%-16s %s", p.Name, value)
		if p.Unit != nil {
			line += " " + subtleStyle.Render(*p.Unit)
		}
		if p.ReferenceRange != nil {
			line += subtleStyle.Render(" (" + *p.ReferenceRange + ")")
		}
		if m.focus == focusValues && i == m.valueCursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m Model) renderHeader() string {
	var b strings.Builder
	for i := 0; i < headerRows; i++ {
		value := m.headerValue(i)
		if m.editing && m.focus == focusHeader && i == m.headerCursor {
			value = m.input.View()
		}
		line := fmt.Sprintf("%-8s %s", headerLabels[i], value)
		if m.focus == focusHeader && i == m.headerCursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m Model) renderActionBar() string {
	var items []string
	switch {
	case m.editing:
		items = []string{"Enter Confirm", "Esc Cancel"}
	case m.focus == focusTests:
		items = []string{"Space Toggle", "[r] Reload"}
	case m.focus == focusValues:
		items = []string{"Enter Edit", "[x] Remove"}
	case m.focus == focusHeader:
		items = []string{"Enter Edit", "←/→ Choose"}
	}
	items = append(items, "Tab Next pane", "Ctrl+S Save", "[q] Quit")
	return statusStyle.Width(max(m.width, 0)).Render(strings.Join(items, " • "))
}

// Package tui is a live terminal monitor for a running dispatcher, fed by
// the status API's SSE event stream.
package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hdlkit/stimgate/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	mismatchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

type transaction struct {
	Seq      uint64 `json:"seq"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload"`
	Response any    `json:"response"`
	Mismatch bool   `json:"mismatch"`
	Message  string `json:"message"`
}

type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	transactions []transaction
	eventLog     []events.Event
	hubEvents    chan events.Event

	status struct {
		RunID      string
		Current    uint64
		Previous   uint64
		Pending    int
		QueueDepth int
	}

	txTable table.Model
}

type eventMsg events.Event
type statusMsg struct {
	RunID    string `json:"run_id"`
	Executor struct {
		Current  uint64 `json:"current_index"`
		Previous uint64 `json:"previous_index"`
		Pending  int    `json:"pending_count"`
	} `json:"executor"`
	QueueDepth int `json:"queue_depth"`
}
type errMsg error

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Seq", Width: 6},
			{Title: "Kind", Width: 14},
			{Title: "Payload", Width: 12},
			{Title: "Response", Width: 12},
			{Title: "Check", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:       apiURL,
		apiKey:       apiKey,
		transactions: make([]transaction, 0),
		eventLog:     make([]events.Event, 0),
		hubEvents:    make(chan events.Event, 100),
		txTable:      t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollStatus(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.txTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case statusMsg:
		m.status.RunID = msg.RunID
		m.status.Current = msg.Executor.Current
		m.status.Previous = msg.Executor.Previous
		m.status.Pending = msg.Executor.Pending
		m.status.QueueDepth = msg.QueueDepth
		return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
			return m.fetchStatus()
		})

	case errMsg:
		// Keep rendering; the next poll may recover.
	}

	m.txTable, cmd = m.txTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}

	if e.Type != events.TypeCompleted {
		return
	}
	var tx transaction
	if err := json.Unmarshal(e.Data, &tx); err != nil {
		return
	}
	m.transactions = append([]transaction{tx}, m.transactions...)
	if len(m.transactions) > 100 {
		m.transactions = m.transactions[:100]
	}
}

func (m *Model) updateTable() {
	var rows []table.Row
	for _, tx := range m.transactions {
		check := "-"
		if tx.Kind == "check" {
			if tx.Mismatch {
				check = mismatchStyle.Render("FAIL")
			} else {
				check = okStyle.Render("ok")
			}
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", tx.Seq),
			tx.Kind,
			renderWord(tx.Payload),
			renderWord(tx.Response),
			check,
		})
	}
	m.txTable.SetRows(rows)
}

// renderWord shows the hex text of a word payload, or "-" for null words.
func renderWord(v any) string {
	word, ok := v.(map[string]any)
	if !ok {
		return "-"
	}
	valid, _ := word["Valid"].(bool)
	if !valid {
		return "-"
	}
	bits, _ := word["Bits"].(float64)
	return fmt.Sprintf("0x%X", uint64(bits))
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	txView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Transactions"),
			m.txTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			txView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	items := []string{
		fmt.Sprintf("Run: %s", shortID(m.status.RunID)),
		fmt.Sprintf("Current: %d", m.status.Current),
		fmt.Sprintf("Previous: %d", m.status.Previous),
		fmt.Sprintf("Pending: %d (queue %d)", m.status.Pending, m.status.QueueDepth),
	}
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[0]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[1]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[2]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[3]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-22s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Commands ---

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, _ := http.NewRequest("GET", m.apiURL+"/events", nil)
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		var current struct {
			id   int64
			typ  string
			data string
		}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()

			// A blank line terminates one SSE frame.
			if line == "" {
				if current.data != "" {
					m.hubEvents <- events.Event{
						ID:   current.id,
						Type: current.typ,
						At:   time.Now(),
						Data: []byte(current.data),
					}
					current.id, current.typ, current.data = 0, "", ""
				}
				continue
			}

			if strings.HasPrefix(line, "id: ") {
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.id = id
				}
			} else if strings.HasPrefix(line, "event: ") {
				current.typ = line[7:]
			} else if strings.HasPrefix(line, "data: ") {
				current.data = line[6:]
			}
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) pollStatus() tea.Cmd {
	return func() tea.Msg {
		return m.fetchStatus()
	}
}

func (m Model) fetchStatus() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/status", nil)
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var st statusMsg
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg(err)
	}
	return st
}

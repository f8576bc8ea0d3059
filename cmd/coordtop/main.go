// Command coordtop is a terminal dashboard for a coordinator fleet. It polls
// the /status endpoint of every given admin URL.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dd0wney/pokeball-coordinator/pkg/node"
)

const pollInterval = 2 * time.Second

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	leaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
	Up      key.Binding
	Down    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("up/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("down/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Up, k.Down, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Refresh, k.Quit}, {k.Up, k.Down}}
}

// nodeResult is the outcome of polling one admin URL
type nodeResult struct {
	url    string
	status node.Status
	err    error
}

type pollMsg []nodeResult

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	urls     []string
	client   *http.Client
	results  []nodeResult
	table    table.Model
	help     help.Model
	keys     keyMap
	width    int
	lastPoll time.Time
}

func initialModel(urls []string, insecure bool) model {
	columns := []table.Column{
		{Title: "Admin URL", Width: 28},
		{Title: "Node", Width: 6},
		{Title: "State", Width: 10},
		{Title: "Leader", Width: 8},
		{Title: "Active", Width: 20},
		{Title: "Down", Width: 20},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(len(urls)+1),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return model{
		urls: urls,
		client: &http.Client{
			Timeout: pollInterval / 2,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
			},
		},
		table: t,
		help:  help.New(),
		keys:  keys,
	}
}

// poll fetches every node's status concurrently
func (m model) poll() tea.Cmd {
	urls := m.urls
	client := m.client
	return func() tea.Msg {
		results := make([]nodeResult, len(urls))
		done := make(chan struct{}, len(urls))
		for i, u := range urls {
			go func(i int, u string) {
				st, err := fetchStatus(client, u)
				results[i] = nodeResult{url: u, status: st, err: err}
				done <- struct{}{}
			}(i, u)
		}
		for range urls {
			<-done
		}
		return pollMsg(results)
	}
}

func fetchStatus(client *http.Client, baseURL string) (node.Status, error) {
	var st node.Status
	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("invalid status: %w", err)
	}
	return st, nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.poll(), tickCmd())

	case pollMsg:
		m.results = msg
		m.lastPoll = time.Now()
		m.table.SetRows(tableRows(msg))
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.poll()
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func tableRows(results []nodeResult) []table.Row {
	rows := make([]table.Row, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			rows = append(rows, table.Row{r.url, "-", "unreachable", "-", "-", "-"})
			continue
		}
		leader := "-"
		if r.status.LeaderID != 0 {
			leader = fmt.Sprintf("%d", r.status.LeaderID)
		}
		rows = append(rows, table.Row{
			r.url,
			fmt.Sprintf("%d", r.status.NodeID),
			r.status.State,
			leader,
			strings.Join(r.status.Active, ","),
			strings.Join(r.status.Down, ","),
		})
	}
	return rows
}

// summary reports fleet-level agreement on the leader
func summary(results []nodeResult) string {
	leaders := make(map[int]bool)
	var self []int
	unreachable := 0
	for _, r := range results {
		if r.err != nil {
			unreachable++
			continue
		}
		if r.status.LeaderID != 0 {
			leaders[r.status.LeaderID] = true
		}
		if r.status.IsLeader {
			self = append(self, r.status.NodeID)
		}
	}

	var parts []string
	switch {
	case len(self) == 1 && len(leaders) == 1:
		parts = append(parts, leaderStyle.Render(fmt.Sprintf("leader %d agreed", self[0])))
	case len(self) > 1:
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d nodes claim leadership", len(self))))
	case len(leaders) > 1:
		parts = append(parts, warnStyle.Render("nodes disagree on the leader"))
	default:
		parts = append(parts, warnStyle.Render("no leader"))
	}
	if unreachable > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d unreachable", unreachable)))
	}
	return strings.Join(parts, "  ")
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Pokeball Coordinator Fleet"))
	s.WriteString("\n\n")
	s.WriteString(m.table.View())
	s.WriteString("\n\n  ")

	if m.lastPoll.IsZero() {
		s.WriteString("polling...")
	} else {
		s.WriteString(summary(m.results))
		s.WriteString(fmt.Sprintf("  (updated %s)", m.lastPoll.Format("15:04:05")))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}

func main() {
	insecure := flag.Bool("insecure", false, "Skip TLS verification for self-signed admin certificates")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: coordtop [-insecure] http://api-1:9100 [https://api-2:9100 ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	p := tea.NewProgram(initialModel(urls, *insecure), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "coordtop: %v\n", err)
		os.Exit(1)
	}
}

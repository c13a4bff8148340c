package render

import (
	"fmt"
	"strings"

	"github.com/brensch/snekweb/game"
	"github.com/brensch/snekweb/inference"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type frameMsg game.Frame

type gameOverMsg game.Frame

// StatusMsg reports the decision provider's load state to the model.
type StatusMsg struct {
	State inference.LoadState
	Err   error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	boardStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	bodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	foodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	statusStyle = lipgloss.NewStyle().Italic(true)
)

// Model is the bubbletea model behind the terminal renderer.
type Model struct {
	frame    game.Frame
	hasFrame bool
	over     bool

	load    inference.LoadState
	loadErr error

	games int
	best  int

	onStart func()
}

// NewModel builds the terminal model. onStart runs when the user presses s
// and the provider is ready.
func NewModel(onStart func()) Model {
	return Model{onStart: onStart}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			if m.load != inference.Ready || m.onStart == nil {
				return m, nil
			}
			m.onStart()
			m.over = false
			m.games++
		}
	case StatusMsg:
		m.load = msg.State
		m.loadErr = msg.Err
	case frameMsg:
		m.frame = game.Frame(msg)
		m.hasFrame = true
		m.over = false
	case gameOverMsg:
		m.frame = game.Frame(msg)
		m.hasFrame = true
		m.over = true
		if m.frame.Score > m.best {
			m.best = m.frame.Score
		}
	}
	return m, nil
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("snek") + "\n")

	if m.hasFrame {
		sb.WriteString(boardStyle.Render(m.board()) + "\n")
		fmt.Fprintf(&sb, "Score: %d   Best: %d   Turn: %d\n", m.frame.Score, m.best, m.frame.Turn)
	}

	sb.WriteString(statusStyle.Render(m.status()) + "\n")
	if m.loadErr != nil {
		sb.WriteString(errStyle.Render(m.loadErr.Error()) + "\n")
	}

	help := "q quit"
	if m.load == inference.Ready {
		help = "s start • " + help
	}
	sb.WriteString(helpStyle.Render(help) + "\n")
	return sb.String()
}

func (m Model) status() string {
	switch {
	case m.load == inference.Loading:
		return "Loading model..."
	case m.load == inference.Failed:
		return "Model failed to load"
	case m.over:
		cause := string(m.frame.Cause)
		if cause == "" {
			cause = "unknown"
		}
		return fmt.Sprintf("Game over (%s). Press s to play again.", cause)
	case m.hasFrame && m.games > 0:
		return "Playing"
	}
	return "Ready. Press s to start."
}

func (m Model) board() string {
	var sb strings.Builder
	for y, row := range Grid(m.frame) {
		if y > 0 {
			sb.WriteByte('\n')
		}
		for x, r := range row {
			if x > 0 {
				sb.WriteByte(' ')
			}
			cell := string(r)
			switch r {
			case glyphHead:
				sb.WriteString(headStyle.Render(cell))
			case glyphBody:
				sb.WriteString(bodyStyle.Render(cell))
			case glyphFood:
				sb.WriteString(foodStyle.Render(cell))
			default:
				sb.WriteString(emptyStyle.Render(cell))
			}
		}
	}
	return sb.String()
}

// Terminal adapts a running tea.Program to the controller's Renderer.
type Terminal struct {
	program *tea.Program
}

func NewTerminal(m Model, opts ...tea.ProgramOption) *Terminal {
	return &Terminal{program: tea.NewProgram(m, opts...)}
}

// Run blocks until the user quits.
func (t *Terminal) Run() error {
	_, err := t.program.Run()
	return err
}

func (t *Terminal) Quit() { t.program.Quit() }

func (t *Terminal) Draw(f game.Frame) { t.program.Send(frameMsg(f)) }

func (t *Terminal) GameOver(f game.Frame) { t.program.Send(gameOverMsg(f)) }

func (t *Terminal) SetStatus(state inference.LoadState, err error) {
	t.program.Send(StatusMsg{State: state, Err: err})
}

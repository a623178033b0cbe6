// Package tui is the terminal client: a Bubble Tea program observing one
// session.Session.
package tui

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tutorchat/internal/session"
	"tutorchat/internal/wire"
)

// Options wires the terminal client to the rest of the application.
type Options struct {
	ServerURL string
	Username  string
	Room      string
	Watch     []string
	Version   string

	// Saved is a remembered login to resume without prompting.
	Saved *wire.Identity

	Login      func(ctx context.Context, username, password string) (wire.Identity, error)
	Upload     func(ctx context.Context, token, filename string, content io.Reader) (string, error)
	NewSession func(id wire.Identity) *session.Session
	Remember   func(username string, id wire.Identity) error
	Forget     func() error

	Logger *slog.Logger
}

type appMode int

const (
	modeUsername appMode = iota
	modePassword
	modeRoomPrompt
	modeChat
)

// Model holds the Bubble Tea state for the client.
type Model struct {
	opts   Options
	logger *slog.Logger

	textInput textinput.Model
	timeline  viewport.Model
	mode      appMode
	username  string
	width     int
	height    int

	session     *session.Session
	identity    wire.Identity
	inbox       chan tea.Msg
	done        chan struct{}
	doneOnce    sync.Once
	unsubscribe []func()

	notices   []notice
	lastError string
}

type notice struct {
	text    string
	isError bool
}

const maxNotices = 5

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	failedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	badgeStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("213")).Padding(0, 1)
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// New builds the model. With a saved login it starts connected; otherwise
// it asks for credentials.
func New(opts Options) *Model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	input := textinput.New()
	input.CharLimit = 0
	input.Focus()

	model := &Model{
		opts:      opts,
		logger:    logger.With("component", "tui"),
		textInput: input,
		timeline:  viewport.New(80, 15),
		username:  opts.Username,
		inbox:     make(chan tea.Msg, 256),
		done:      make(chan struct{}),
	}
	model.enterUsernameMode()
	return model
}

func (model *Model) enterUsernameMode() {
	model.mode = modeUsername
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter username…"
	model.textInput.Prompt = "user> "
}

func (model *Model) enterPasswordMode() {
	model.mode = modePassword
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoPassword
	model.textInput.Placeholder = "Password"
	model.textInput.Prompt = "password> "
}

func (model *Model) enterRoomPromptMode() {
	model.mode = modeRoomPrompt
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Enter room id…"
	model.textInput.Prompt = "room> "
}

func (model *Model) enterChatMode() {
	model.mode = modeChat
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
}

func (model *Model) addNotice(text string, isError bool) {
	model.notices = append(model.notices, notice{text: text, isError: isError})
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}

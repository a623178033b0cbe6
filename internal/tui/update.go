package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"tutorchat/internal/api"
	"tutorchat/internal/conn"
	"tutorchat/internal/wire"
)

// Init starts draining bus events and resumes a saved login if present.
func (model *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, model.listenCmd()}
	if model.opts.Saved != nil {
		cmds = append(cmds, model.startSession(*model.opts.Saved))
	}
	return tea.Batch(cmds...)
}

func (model *Model) startSession(id wire.Identity) tea.Cmd {
	model.stopSession()
	if model.opts.NewSession == nil {
		model.addNotice("No session factory configured.", true)
		return nil
	}
	s := model.opts.NewSession(id)
	model.session = s
	model.identity = id
	model.unsubscribe = model.bridge(s)

	if err := s.Connect(id); err != nil {
		// AuthFailed is already on its way through the bus.
		model.logger.Warn("connect rejected", "error", err)
		return nil
	}
	for _, room := range model.opts.Watch {
		if err := s.Watch(room); err != nil {
			model.addNotice(fmt.Sprintf("Cannot watch %s: %v", room, err), true)
		}
	}
	if model.opts.Room != "" {
		model.enterChatMode()
		return model.openCmd(model.opts.Room)
	}
	model.enterRoomPromptMode()
	return nil
}

func (model *Model) stopSession() {
	for _, unsubscribe := range model.unsubscribe {
		unsubscribe()
	}
	model.unsubscribe = nil
	if model.session != nil {
		model.session.Close()
		model.session = nil
	}
}

// Update reacts to key presses and session events.
func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.WindowSizeMsg:
		model.width = typedMessage.Width
		model.height = typedMessage.Height
		model.timeline.Width = max(typedMessage.Width-4, 20)
		model.timeline.Height = max(typedMessage.Height-12, 5)
		model.refreshTimeline()
		return model, nil

	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC || typedMessage.Type == tea.KeyEsc {
			model.stopSession()
			return model, tea.Quit
		}
		return model.handleKey(typedMessage)

	case loginResultMsg:
		if typedMessage.err != nil {
			text := "Login failed: " + typedMessage.err.Error()
			if errors.Is(typedMessage.err, api.ErrUnauthorized) {
				text = "Invalid username or password."
			}
			model.addNotice(text, true)
			model.enterUsernameMode()
			return model, nil
		}
		if model.opts.Remember != nil {
			if err := model.opts.Remember(typedMessage.username, typedMessage.identity); err != nil {
				model.logger.Warn("login not saved", "error", err)
			}
		}
		return model, model.startSession(typedMessage.identity)

	case openResultMsg:
		if typedMessage.err != nil {
			model.addNotice(fmt.Sprintf("History for %s unavailable: %v", typedMessage.room, typedMessage.err), true)
		}
		model.refreshTimeline()
		return model, nil

	case uploadResultMsg:
		if typedMessage.err != nil {
			model.addNotice("Upload failed: "+typedMessage.err.Error(), true)
			return model, nil
		}
		return model, model.sendCmd(typedMessage.room, typedMessage.url, typedMessage.kind)

	case sendResultMsg:
		if typedMessage.err != nil && !errors.Is(typedMessage.err, conn.ErrNotConnected) {
			model.addNotice("Send failed: "+typedMessage.err.Error(), true)
		}
		return model, nil

	case refreshMsg:
		model.refreshTimeline()
		return model, model.listenCmd()

	case noticeMsg:
		model.addNotice(typedMessage.text, typedMessage.isError)
		return model, model.listenCmd()

	case authFailedMsg:
		model.addNotice("Signed out: "+typedMessage.reason, true)
		if model.opts.Forget != nil {
			if err := model.opts.Forget(); err != nil {
				model.logger.Warn("saved login not removed", "error", err)
			}
		}
		model.stopSession()
		model.enterUsernameMode()
		return model, model.listenCmd()
	}
	return model, nil
}

func (model *Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type != tea.KeyEnter {
		before := model.textInput.Value()
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		after := model.textInput.Value()
		if model.mode == modeChat && model.session != nil && after != before && after != "" && !strings.HasPrefix(after, "/") {
			if room := model.session.Focused(); room != "" {
				_ = model.session.Keystroke(room)
			}
		}
		if model.mode == modeChat && (key.Type == tea.KeyPgUp || key.Type == tea.KeyPgDown) {
			var scroll tea.Cmd
			model.timeline, scroll = model.timeline.Update(key)
			return model, tea.Batch(cmd, scroll)
		}
		return model, cmd
	}

	value := strings.TrimSpace(model.textInput.Value())
	switch model.mode {
	case modeUsername:
		if value == "" {
			model.addNotice("Username cannot be empty.", true)
			return model, nil
		}
		model.username = value
		model.enterPasswordMode()
		return model, nil

	case modePassword:
		password := model.textInput.Value()
		model.textInput.SetValue("")
		return model, model.loginCmd(model.username, password)

	case modeRoomPrompt:
		if value == "" || model.session == nil {
			return model, nil
		}
		model.enterChatMode()
		return model, model.openCmd(value)

	case modeChat:
		model.textInput.SetValue("")
		if value == "" || model.session == nil {
			return model, nil
		}
		if strings.HasPrefix(value, "/") {
			return model.runCommand(value)
		}
		room := model.session.Focused()
		if room == "" {
			model.addNotice("Open a room first: /open <room>", true)
			return model, nil
		}
		return model, model.sendCmd(room, value, wire.KindText)
	}
	return model, nil
}

func (model *Model) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg := parseCommand(line)
	s := model.session
	room := s.Focused()

	switch name {
	case "quit", "exit":
		model.stopSession()
		return model, tea.Quit
	case "open":
		if arg == "" {
			model.addNotice("Usage: /open <room>", true)
			return model, nil
		}
		return model, model.openCmd(arg)
	case "watch":
		if arg == "" {
			model.addNotice("Usage: /watch <room>", true)
			return model, nil
		}
		if err := s.Watch(arg); err != nil {
			model.addNotice(err.Error(), true)
		}
		return model, nil
	case "leave":
		if arg == "" {
			arg = room
		}
		if err := s.Leave(arg); err != nil {
			model.addNotice(fmt.Sprintf("Cannot leave %s: %v", arg, err), true)
		}
		model.refreshTimeline()
		return model, nil
	case "retry":
		var ids []string
		for _, m := range s.FailedMessages(room) {
			ids = append(ids, m.CorrelationID)
		}
		if len(ids) == 0 {
			model.addNotice("Nothing to retry.", false)
			return model, nil
		}
		return model, model.retryCmd(ids)
	case "file", "image":
		if room == "" || arg == "" {
			model.addNotice(fmt.Sprintf("Usage: /%s <path> (in an open room)", name), true)
			return model, nil
		}
		kind := wire.KindFile
		if name == "image" {
			kind = wire.KindImage
		}
		model.addNotice("Uploading "+arg+"…", false)
		return model, model.uploadCmd(room, kind, arg)
	case "stats":
		model.addNotice(s.Stats().String(), false)
		return model, nil
	case "logout":
		if model.opts.Forget != nil {
			_ = model.opts.Forget()
		}
		model.stopSession()
		model.enterUsernameMode()
		return model, nil
	}
	model.addNotice("Unknown command /"+name, true)
	return model, nil
}

func (model *Model) refreshTimeline() {
	model.timeline.SetContent(model.renderTimeline())
	model.timeline.GotoBottom()
}

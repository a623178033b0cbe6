package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tutorchat/internal/conn"
	"tutorchat/internal/wire"
)

// View renders the current mode.
func (model *Model) View() string {
	switch model.mode {
	case modeUsername, modePassword:
		return model.renderLoginView()
	case modeRoomPrompt:
		return model.renderRoomPromptView()
	default:
		return model.renderChatView()
	}
}

func (model *Model) renderLoginView() string {
	title := appTitleStyle.Render("tutorchat " + model.opts.Version)
	hint := menuHintStyle.Render("Sign in with your marketplace account.")
	sections := []string{title, hint}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderRoomPromptView() string {
	title := appTitleStyle.Render("Open a conversation")
	hint := menuHintStyle.Render("Enter the room id and press Enter.")
	sections := []string{title, model.renderStatus(), hint}
	if rooms := model.renderRooms(); rooms != "" {
		sections = append(sections, rooms)
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderChatView() string {
	room := ""
	if model.session != nil {
		room = model.session.Focused()
	}
	if room == "" {
		room = "-"
	}
	headerSegments := []string{
		"tutorchat",
		fmt.Sprintf("Room %s", room),
		fmt.Sprintf("User %s", model.username),
		fmt.Sprintf("Server %s", model.opts.ServerURL),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	sections := []string{header, model.renderStatus()}
	if rooms := model.renderRooms(); rooms != "" {
		sections = append(sections, rooms)
	}
	sections = append(sections, messageBoxStyle.Render(model.timeline.View()))
	if typing := model.renderTyping(); typing != "" {
		sections = append(sections, typing)
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Commands: /open /watch /leave /retry /file /image /stats /logout /quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderStatus() string {
	if model.session == nil {
		return connectingStyle.Render("Not signed in")
	}
	switch model.session.State() {
	case conn.Connected:
		return connectedStyle.Render("Connected")
	case conn.Connecting:
		return connectingStyle.Render("Connecting…")
	case conn.Reconnecting:
		return connectingStyle.Render("Reconnecting…")
	default:
		return errorStyle.Render("Disconnected")
	}
}

func (model *Model) renderRooms() string {
	if model.session == nil {
		return ""
	}
	rooms := model.session.Rooms()
	if len(rooms) < 2 {
		return ""
	}
	parts := make([]string, 0, len(rooms))
	for _, room := range rooms {
		label := room.ID
		if room.Focused {
			label = activeUserStyle.Render(label)
		}
		if room.Unread > 0 {
			label += " " + badgeStyle.Render(fmt.Sprint(room.Unread))
		}
		parts = append(parts, label)
	}
	return statusStyle.Render("Rooms: ") + strings.Join(parts, dividerStyle)
}

func (model *Model) renderTyping() string {
	if model.session == nil {
		return ""
	}
	users := model.session.TypingUsers(model.session.Focused())
	switch len(users) {
	case 0:
		return ""
	case 1:
		return typingStyle.Render(users[0] + " is typing…")
	default:
		return typingStyle.Render(strings.Join(users, ", ") + " are typing…")
	}
}

func (model *Model) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, n := range model.notices {
		if n.isError {
			lines = append(lines, errorStyle.Render(n.text))
		} else {
			lines = append(lines, systemMessageStyle.Render(n.text))
		}
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model *Model) renderTimeline() string {
	if model.session == nil {
		return ""
	}
	room := model.session.Focused()
	if room == "" {
		return systemMessageStyle.Render("No room open. Use /open <room>.")
	}
	entries := model.session.Timeline(room)
	if len(entries) == 0 {
		return systemMessageStyle.Render("No messages yet. Say hi and start the conversation.")
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, model.renderMessage(entry))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (model *Model) renderMessage(entry wire.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", entry.CreatedAt.Local().Format("15:04:05")))

	var name string
	if entry.SenderID == model.identity.UserID {
		name = activeUserStyle.Render("you")
	} else {
		name = usernameStyle.Copy().Foreground(colorForUser(entry.SenderID)).Render(entry.SenderID)
	}

	body := entry.Content
	switch entry.Kind {
	case wire.KindImage:
		body = "[image] " + body
	case wire.KindFile:
		body = "[file] " + body
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))

	var marker string
	switch entry.Status {
	case wire.StatusPending:
		marker = pendingStyle.Render(" sending…")
	case wire.StatusFailed:
		marker = failedStyle.Render(" ✗ not delivered")
	default:
		if entry.SenderID == model.identity.UserID && entry.Read {
			marker = timestampStyle.Render(" ✓✓")
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText, marker)
}

package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tutorchat/internal/wire"
)

const requestTimeout = 15 * time.Second

type (
	loginResultMsg struct {
		username string
		identity wire.Identity
		err      error
	}
	openResultMsg struct {
		room string
		err  error
	}
	uploadResultMsg struct {
		room string
		kind wire.Kind
		url  string
		err  error
	}
	sendResultMsg struct{ err error }
)

func (model *Model) loginCmd(username, password string) tea.Cmd {
	login := model.opts.Login
	return func() tea.Msg {
		if login == nil {
			return loginResultMsg{username: username, err: fmt.Errorf("login is not configured")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		id, err := login(ctx, username, password)
		return loginResultMsg{username: username, identity: id, err: err}
	}
}

func (model *Model) openCmd(room string) tea.Cmd {
	s := model.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return openResultMsg{room: room, err: s.Open(ctx, room)}
	}
}

func (model *Model) sendCmd(room, content string, kind wire.Kind) tea.Cmd {
	s := model.session
	return func() tea.Msg {
		_, err := s.Send(room, content, kind)
		return sendResultMsg{err: err}
	}
}

func (model *Model) retryCmd(correlationIDs []string) tea.Cmd {
	s := model.session
	return func() tea.Msg {
		for _, corrID := range correlationIDs {
			if err := s.Retry(corrID); err != nil {
				return sendResultMsg{err: err}
			}
		}
		return nil
	}
}

func (model *Model) uploadCmd(room string, kind wire.Kind, path string) tea.Cmd {
	upload := model.opts.Upload
	token := model.identity.Token
	return func() tea.Msg {
		if upload == nil {
			return uploadResultMsg{room: room, kind: kind, err: fmt.Errorf("uploads are not configured")}
		}
		file, err := os.Open(path)
		if err != nil {
			return uploadResultMsg{room: room, kind: kind, err: err}
		}
		defer file.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*requestTimeout)
		defer cancel()
		url, err := upload(ctx, token, filepath.Base(path), file)
		return uploadResultMsg{room: room, kind: kind, url: url, err: err}
	}
}

// parseCommand splits "/name arg" into its lowercased name and trimmed
// argument.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(strings.TrimPrefix(line, "/"))
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"tutorchat/internal/wire"
)

// SavedLogin is the login persisted between runs.
type SavedLogin struct {
	Username string    `json:"username"`
	UserID   string    `json:"userId"`
	Role     wire.Role `json:"role"`
	Token    string    `json:"token"`
}

func (s SavedLogin) Identity() wire.Identity {
	return wire.Identity{UserID: s.UserID, Role: s.Role, Token: s.Token}
}

func LoadSavedLogin(path string) (*SavedLogin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var saved SavedLogin
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, err
	}
	if saved.Username == "" || saved.UserID == "" || saved.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &saved, nil
}

func SaveLogin(path string, saved SavedLogin) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func DeleteSavedLogin(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

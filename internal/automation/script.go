package automation

import (
	"errors"
	"time"

	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/feature"
)

// ErrScriptNotFound is returned when no script file exists for an id.
var ErrScriptNotFound = errors.New("script not found")

// Unit is the part of the controller scripts can see and drive.
type Unit interface {
	Address() string
	Status() controller.Status
	Events() *controller.EventBus
	Feature(name string) (feature.Feature, bool)
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Script is one automation stored as a .lua file.
type Script struct {
	ID       string     `json:"id"` // filename stem
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

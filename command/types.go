// Package command defines the shell's command model and the DSL parser that
// turns a line of text of the form /<type>#<id>{<json>} into a Command.
package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies what a command does.
type Type string

const (
	TypeClick          Type = "click"
	TypeType           Type = "type"
	TypeNavigation     Type = "navigation"
	TypeWait           Type = "wait"
	TypeScreenshot     Type = "screenshot"
	TypeAnalyze        Type = "analyze"
	TypeMemorySave     Type = "memory_save"
	TypeMemoryRetrieve Type = "memory_retrieve"
	TypeLogin          Type = "login"
	TypeAutoLogin      Type = "auto_login"
	TypePatternLearn   Type = "pattern_learn"
	TypePatternRecall  Type = "pattern_recall"
	TypeShell          Type = "shell"
	TypeRestart        Type = "restart"
	TypeKill           Type = "kill"
	TypeReadFile       Type = "read_file"
	TypeWriteFile      Type = "write_file"
	TypeListDir        Type = "list_dir"

	// DSL control forms.
	TypeSet    Type = "set"
	TypeIf     Type = "if"
	TypeRepeat Type = "repeat"
	TypeChain  Type = "chain"
)

var validTypes = map[Type]bool{
	TypeClick:          true,
	TypeType:           true,
	TypeNavigation:     true,
	TypeWait:           true,
	TypeScreenshot:     true,
	TypeAnalyze:        true,
	TypeMemorySave:     true,
	TypeMemoryRetrieve: true,
	TypeLogin:          true,
	TypeAutoLogin:      true,
	TypePatternLearn:   true,
	TypePatternRecall:  true,
	TypeShell:          true,
	TypeRestart:        true,
	TypeKill:           true,
	TypeReadFile:       true,
	TypeWriteFile:      true,
	TypeListDir:        true,
	TypeSet:            true,
	TypeIf:             true,
	TypeRepeat:         true,
	TypeChain:          true,
}

// aliases maps DSL spellings to command types. Tokens not listed here are used as-is.
var aliases = map[string]Type{
	"shell":    TypeShell,
	"restart":  TypeRestart,
	"kill":     TypeKill,
	"read":     TypeReadFile,
	"write":    TypeWriteFile,
	"ls":       TypeListDir,
	"navigate": TypeNavigation,
	"nav":      TypeNavigation,
}

// Valid reports whether t is a known command type.
func (t Type) Valid() bool { return validTypes[t] }

// Types returns every known command type in lexical order.
func Types() []Type {
	out := make([]Type, 0, len(validTypes))
	for t := range validTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveAlias maps a lowercase DSL token to its command type.
func ResolveAlias(token string) Type {
	if t, ok := aliases[token]; ok {
		return t
	}
	return Type(token)
}

// Command is a single parsed instruction.
type Command struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
}

// New builds a command stamped with the current time. An empty id is replaced by NewID().
func New(typ Type, id string, params map[string]any) Command {
	if id == "" {
		id = NewID()
	}
	if params == nil {
		params = map[string]any{}
	}
	return Command{
		ID:        id,
		Type:      typ,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewID returns a sortable, unique command id.
func NewID() string {
	return "cmd_" + ulid.Make().String()
}

// DecodeParams copies the command's params into v, which should be a pointer to a struct
// with json tags.
func DecodeParams(cmd Command, v any) error {
	raw, err := json.Marshal(cmd.Params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", cmd.Type, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s params: %w", cmd.Type, err)
	}
	return nil
}

// Format renders cmd back into DSL text.
func Format(cmd Command) string {
	body := []byte("{}")
	if len(cmd.Params) > 0 {
		if b, err := json.Marshal(cmd.Params); err == nil {
			body = b
		}
	}
	return fmt.Sprintf("/%s#%s%s", cmd.Type, cmd.ID, body)
}

var secretParams = []string{"password", "token", "secret"}

// Redacted returns a copy of cmd with secret params masked, for logs and history.
func Redacted(cmd Command) Command {
	masked := false
	for _, k := range secretParams {
		if _, ok := cmd.Params[k]; ok {
			masked = true
		}
	}
	if !masked {
		return cmd
	}
	params := make(map[string]any, len(cmd.Params))
	for k, v := range cmd.Params {
		params[k] = v
	}
	for _, k := range secretParams {
		if _, ok := params[k]; ok {
			params[k] = "********"
		}
	}
	cmd.Params = params
	return cmd
}

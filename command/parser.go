package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/rs/zerolog"
)

// ParseError describes why a line of text is not a valid command.
type ParseError struct {
	Reason string
	Input  string
	Body   string // raw body text when the failure is in the JSON body
}

func (e *ParseError) Error() string {
	return "invalid command: " + e.Reason
}

// ParseLine parses a single /<type>#<id>{<json>} line.
//
// The body is everything between the first '{' and its matching '}' (braces inside
// JSON strings are ignored), so nested objects are captured whole.
func ParseLine(text string) (Command, error) {
	s := strings.TrimSpace(text)
	fail := func(reason string) (Command, error) {
		return Command{}, &ParseError{Reason: reason, Input: text}
	}

	if !strings.HasPrefix(s, "/") {
		return fail("command must start with '/'")
	}

	pos := 1
	typeStart := pos
	for pos < len(s) && isTypeChar(s[pos]) {
		pos++
	}
	token := s[typeStart:pos]
	if token == "" {
		return fail("missing command type")
	}
	if pos >= len(s) || s[pos] != '#' {
		return fail("expected '#' after command type")
	}
	pos++

	idStart := pos
	for pos < len(s) && isIDChar(s[pos]) {
		pos++
	}
	id := s[idStart:pos]
	if id == "" {
		return fail("missing command id")
	}
	if pos >= len(s) || s[pos] != '{' {
		return fail("expected '{' after command id")
	}

	end, ok := matchBrace(s, pos)
	if !ok {
		return fail("unterminated command body")
	}
	if end != len(s)-1 {
		return fail(fmt.Sprintf("unexpected text after command body: %q", s[end+1:]))
	}
	body := s[pos+1 : end]

	typ := ResolveAlias(strings.ToLower(token))
	if !typ.Valid() {
		return fail(fmt.Sprintf("unknown command type %q", token))
	}

	params := map[string]any{}
	if err := json.Unmarshal([]byte("{"+body+"}"), &params); err != nil {
		return Command{}, &ParseError{
			Reason: fmt.Sprintf("malformed JSON body: %v", err),
			Input:  text,
			Body:   body,
		}
	}

	return Command{
		ID:        id,
		Type:      typ,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// matchBrace returns the index of the '}' closing the '{' at open.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func isTypeChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isIDChar(c byte) bool {
	return isTypeChar(c) || c == '-'
}

// Parser wraps ParseLine for callers that want a nil result instead of an error.
// Every rejected line is written to the journal.
type Parser struct {
	journal *logger.Journal
	logger  zerolog.Logger
}

// NewParser creates a Parser reporting failures to journal.
func NewParser(journal *logger.Journal, logger zerolog.Logger) *Parser {
	return &Parser{
		journal: journal,
		logger:  logger.With().Str("component", "command_parser").Logger(),
	}
}

// Parse returns the parsed command, or nil and false when text is not a valid command.
func (p *Parser) Parse(text string) (*Command, bool) {
	cmd, err := p.ParseText(text)
	if err != nil {
		return nil, false
	}
	return &cmd, true
}

// ParseText is Parse for callers that need the reason. Failures are journaled
// the same way and returned as *ParseError.
func (p *Parser) ParseText(text string) (Command, error) {
	cmd, err := ParseLine(text)
	if err != nil {
		details := map[string]any{"input": text}
		var pe *ParseError
		if errors.As(err, &pe) && pe.Body != "" {
			details["body"] = pe.Body
		}
		p.logger.Debug().Str("method", "Parse").Str("input", text).Err(err).Msg("rejected command text")
		if p.journal != nil {
			p.journal.Error(err.Error(), details)
		}
		return Command{}, err
	}
	p.logger.Debug().Str("method", "Parse").Str("id", cmd.ID).Str("type", string(cmd.Type)).Msg("parsed command")
	return cmd, nil
}

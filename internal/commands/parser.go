package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// DefaultPrefixes are the default command prefixes.
var DefaultPrefixes = []string{"!"}

// ErrEmptyCommand is returned when a prefix matched but no command followed.
var ErrEmptyCommand = errors.New("empty command")

// Prefix is the set of prefixes a message may start with. Values are literal
// prefixes; Pattern, when set, must match at the start of the message.
type Prefix struct {
	Values  []string
	Pattern *regexp.Regexp
}

// PrefixProvider returns the prefixes that apply to a message request.
type PrefixProvider func(ctx context.Context, req *request.Request) (Prefix, error)

// StaticPrefix always returns the same literal prefixes.
func StaticPrefix(values ...string) PrefixProvider {
	if len(values) == 0 {
		values = DefaultPrefixes
	}
	p := Prefix{Values: append([]string(nil), values...)}
	return func(context.Context, *request.Request) (Prefix, error) { return p, nil }
}

// PatternPrefix matches prefixes with a regular expression, alongside any
// literal values.
func PatternPrefix(re *regexp.Regexp, values ...string) PrefixProvider {
	p := Prefix{Values: append([]string(nil), values...), Pattern: re}
	return func(context.Context, *request.Request) (Prefix, error) { return p, nil }
}

// MentionPrefix accepts a mention of the bot as a prefix in addition to the
// values from next.
func MentionPrefix(botID string, next PrefixProvider) PrefixProvider {
	return func(ctx context.Context, req *request.Request) (Prefix, error) {
		var p Prefix
		if next != nil {
			var err error
			if p, err = next(ctx, req); err != nil {
				return Prefix{}, err
			}
		}
		p.Values = append([]string{"<@" + botID + ">", "<@!" + botID + ">"}, p.Values...)
		return p, nil
	}
}

// Match returns the matched prefix and the text after it.
func (p Prefix) Match(content string) (prefix, rest string, ok bool) {
	values := append([]string(nil), p.Values...)
	// Longest first so "!!" wins over "!".
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		if v != "" && strings.HasPrefix(content, v) {
			return v, content[len(v):], true
		}
	}
	if p.Pattern != nil {
		if loc := p.Pattern.FindStringIndex(content); loc != nil && loc[0] == 0 && loc[1] > 0 {
			return content[:loc[1]], content[loc[1]:], true
		}
	}
	return "", "", false
}

// ParseMessage strips a prefix from content and splits the rest into a command
// path and arguments. Quoted arguments are kept together. A content with no
// matching prefix returns the InvalidPrefix signal.
func ParseMessage(content string, prefix Prefix) (*request.Parsed, error) {
	content = strings.TrimLeft(content, " \t\n")
	matched, rest, ok := prefix.Match(content)
	if !ok {
		return nil, signals.InvalidPrefix()
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, ErrEmptyCommand
	}

	tokens, err := shlex.Split(rest)
	if err != nil {
		return nil, fmt.Errorf("split arguments: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}

	parsed := &request.Parsed{
		Prefix: matched,
		Args:   tokens[1:],
		Raw:    rest,
	}
	path := strings.Split(NormalizeName(tokens[0]), ":")
	switch len(path) {
	case 1:
		parsed.Command = path[0]
	case 2:
		parsed.Command, parsed.Subcommand = path[0], path[1]
	case 3:
		parsed.Command, parsed.Group, parsed.Subcommand = path[0], path[1], path[2]
	default:
		return nil, fmt.Errorf("command path %q is nested too deeply", tokens[0])
	}
	if parsed.Command == "" {
		return nil, ErrEmptyCommand
	}
	return parsed, nil
}

package request

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Options is the normalized option view a handler reads regardless of how the
// request arrived.
type Options interface {
	// Has reports whether a named option was supplied.
	Has(name string) bool
	// String returns the named option as text, or "".
	String(name string) string
	// Int returns the named option as an integer.
	Int(name string) (int64, bool)
	// Bool returns the named option as a boolean.
	Bool(name string) (bool, bool)
	// Names lists supplied option names in arrival order.
	Names() []string
}

// ArgOptions is the option view of a prefixed text message. Tokens of the form
// name:value are named options; everything else is positional.
type ArgOptions struct {
	args  []string
	named map[string]string
	order []string
}

// NewArgOptions splits tokens into positional and named arguments.
func NewArgOptions(tokens []string) *ArgOptions {
	o := &ArgOptions{named: make(map[string]string)}
	for _, tok := range tokens {
		name, value, ok := strings.Cut(tok, ":")
		if ok && name != "" && !strings.HasPrefix(value, "//") && isOptionName(name) {
			key := strings.ToLower(name)
			if _, seen := o.named[key]; !seen {
				o.order = append(o.order, key)
			}
			o.named[key] = value
			continue
		}
		o.args = append(o.args, tok)
	}
	return o
}

func isOptionName(s string) bool {
	for _, r := range s {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Args returns the positional arguments.
func (o *ArgOptions) Args() []string {
	return append([]string(nil), o.args...)
}

// Arg returns the i-th positional argument, or "".
func (o *ArgOptions) Arg(i int) string {
	if i < 0 || i >= len(o.args) {
		return ""
	}
	return o.args[i]
}

// Rest joins the positional arguments from i onward.
func (o *ArgOptions) Rest(i int) string {
	if i < 0 || i >= len(o.args) {
		return ""
	}
	return strings.Join(o.args[i:], " ")
}

func (o *ArgOptions) Has(name string) bool {
	_, ok := o.named[strings.ToLower(name)]
	return ok
}

func (o *ArgOptions) String(name string) string {
	return o.named[strings.ToLower(name)]
}

func (o *ArgOptions) Int(name string) (int64, bool) {
	v, ok := o.named[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (o *ArgOptions) Bool(name string) (bool, bool) {
	v, ok := o.named[strings.ToLower(name)]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (o *ArgOptions) Names() []string {
	return append([]string(nil), o.order...)
}

// InteractionOptions is the option view of an application command. Subcommand
// groups and subcommands are unwrapped so only leaf options remain.
type InteractionOptions struct {
	options map[string]*discordgo.ApplicationCommandInteractionDataOption
	order   []string
	focused string
}

// NewInteractionOptions indexes the leaf options of an option tree.
func NewInteractionOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) *InteractionOptions {
	_, _, leaf := CommandPath(opts)
	o := &InteractionOptions{options: make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(leaf))}
	for _, opt := range leaf {
		if opt == nil {
			continue
		}
		o.options[opt.Name] = opt
		o.order = append(o.order, opt.Name)
		if opt.Focused {
			o.focused = opt.Name
		}
	}
	return o
}

// CommandPath unwraps a subcommand group and subcommand from the head of an
// option tree, returning them with the remaining leaf options.
func CommandPath(opts []*discordgo.ApplicationCommandInteractionDataOption) (group, sub string, leaf []*discordgo.ApplicationCommandInteractionDataOption) {
	leaf = opts
	if len(leaf) == 0 || leaf[0] == nil {
		return "", "", leaf
	}
	if leaf[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup {
		group = leaf[0].Name
		leaf = leaf[0].Options
	}
	if len(leaf) > 0 && leaf[0] != nil && leaf[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sub = leaf[0].Name
		leaf = leaf[0].Options
	}
	return group, sub, leaf
}

// Option returns the raw option.
func (o *InteractionOptions) Option(name string) (*discordgo.ApplicationCommandInteractionDataOption, bool) {
	opt, ok := o.options[name]
	return opt, ok
}

// Focused returns the name of the option being autocompleted, or "".
func (o *InteractionOptions) Focused() string {
	return o.focused
}

func (o *InteractionOptions) Has(name string) bool {
	_, ok := o.options[name]
	return ok
}

func (o *InteractionOptions) String(name string) string {
	opt, ok := o.options[name]
	if !ok || opt.Value == nil {
		return ""
	}
	if s, ok := opt.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", opt.Value)
}

func (o *InteractionOptions) Int(name string) (int64, bool) {
	opt, ok := o.options[name]
	if !ok {
		return 0, false
	}
	switch v := opt.Value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (o *InteractionOptions) Bool(name string) (bool, bool) {
	opt, ok := o.options[name]
	if !ok {
		return false, false
	}
	b, ok := opt.Value.(bool)
	return b, ok
}

func (o *InteractionOptions) Names() []string {
	return append([]string(nil), o.order...)
}

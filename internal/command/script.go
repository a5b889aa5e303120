package command

import (
	"fmt"
	"strings"
)

// ScriptBuilder accumulates shell-script lines and renders the full text.
// Rendering is deterministic: identical inputs produce identical scripts.
type ScriptBuilder struct {
	shebang string
	lines   []string
}

// NewScript creates a builder with the standard bash shebang.
func NewScript() *ScriptBuilder {
	return &ScriptBuilder{shebang: "#!/bin/bash"}
}

// WithShebang overrides the interpreter line.
func (b *ScriptBuilder) WithShebang(shebang string) *ScriptBuilder {
	b.shebang = shebang
	return b
}

// SetOptions adds a `set` line (e.g. "-euo pipefail").
func (b *ScriptBuilder) SetOptions(opts string) *ScriptBuilder {
	b.lines = append(b.lines, "set "+opts)
	return b
}

// Variable adds an assignment, quoting values with whitespace or specials.
func (b *ScriptBuilder) Variable(name, value string) *ScriptBuilder {
	b.lines = append(b.lines, fmt.Sprintf("%s=%s", name, Quote(value)))
	return b
}

// Comment adds a comment line.
func (b *ScriptBuilder) Comment(text string) *ScriptBuilder {
	b.lines = append(b.lines, "# "+text)
	return b
}

// Command adds a literal command line.
func (b *ScriptBuilder) Command(cmd string) *ScriptBuilder {
	b.lines = append(b.lines, cmd)
	return b
}

// Echo adds an echo statement with the message single-quoted.
func (b *ScriptBuilder) Echo(msg string) *ScriptBuilder {
	b.lines = append(b.lines, fmt.Sprintf("echo %s", Quote(msg)))
	return b
}

// Blank adds an empty line.
func (b *ScriptBuilder) Blank() *ScriptBuilder {
	b.lines = append(b.lines, "")
	return b
}

// If adds a conditional block. elseBody may be empty to omit the else branch.
func (b *ScriptBuilder) If(condition string, body []string, elseBody []string) *ScriptBuilder {
	b.lines = append(b.lines, fmt.Sprintf("if %s; then", condition))
	for _, line := range body {
		b.lines = append(b.lines, "    "+line)
	}
	if len(elseBody) > 0 {
		b.lines = append(b.lines, "else")
		for _, line := range elseBody {
			b.lines = append(b.lines, "    "+line)
		}
	}
	b.lines = append(b.lines, "fi")
	return b
}

// Build renders the script text with a trailing newline.
func (b *ScriptBuilder) Build() string {
	var sb strings.Builder
	sb.WriteString(b.shebang)
	sb.WriteByte('\n')
	for _, line := range b.lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package tone rewrites message text to a requested register via an external
// text-generation call. The gateway fails closed: callers always receive a
// Result value, never an error, and a failed conversion means the original
// text is used downstream.
package tone

import (
	"strings"
)

// Kind selects the instruction template layered over the system policy.
type Kind string

// Supported tone kinds.
const (
	KindProfessional Kind = "professional"
	KindPolite       Kind = "polite"
	KindFormal       Kind = "formal"
	KindAuto         Kind = "auto"
)

// Valid reports whether the kind is one of the supported tones.
func (k Kind) Valid() bool {
	switch k {
	case KindProfessional, KindPolite, KindFormal, KindAuto:
		return true
	}
	return false
}

// Result is the outcome of one conversion attempt. It is created once by the
// gateway and consumed exactly once by the worker that requested it.
type Result struct {
	Success       bool
	ConvertedText string
	OriginalText  string
	Tone          Kind
	Error         string
}

// systemPolicy is shared across all tone kinds.
const systemPolicy = `You are an AI assistant embedded inside an internal company messaging system.

STRICT RULES:
- Remove insults, profanity, harassment, and aggressive language
- Replace them with factual, respectful phrasing
- Preserve original intent
- Do NOT invent facts, deadlines, or commitments
- Output ONLY the rewritten message text
- Never explain or reference the transformation
- Respond in the same language as the input`

// instructions maps each tone kind to its rewrite instruction.
var instructions = map[Kind]string{
	KindProfessional: "Use a standard professional corporate tone.",
	KindPolite:       "Use a professional tone with additional courtesy such as please and thank you.",
	KindFormal:       "Use formal business language with structured and traditional phrasing.",
	KindAuto:         "Automatically choose the most appropriate professional tone based on context.",
}

// BuildPrompt constructs the full prompt for one conversion request.
func BuildPrompt(text string, kind Kind) string {
	var b strings.Builder
	b.WriteString(systemPolicy)
	b.WriteString("\n\n")
	b.WriteString(instructions[kind])
	b.WriteString("\n\nRewrite the following message:\n\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"")
	return b.String()
}

// failure builds a fail-closed result preserving the original text.
func failure(text string, kind Kind, reason string) Result {
	return Result{
		Success:      false,
		OriginalText: text,
		Tone:         kind,
		Error:        reason,
	}
}

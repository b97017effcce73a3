package web

import (
	"fmt"

	"github.com/jnesss/connwatch/hooks"
)

// HookRow represents an installed interceptor for the web API
type HookRow struct {
	Target  string `json:"target"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
	State   string `json:"state"`
}

func hookRows(regs []hooks.Registration) []HookRow {
	rows := make([]HookRow, 0, len(regs))
	for _, r := range regs {
		rows = append(rows, HookRow{
			Target:  r.Target.Name,
			Kind:    r.Target.Kind.String(),
			Address: fmt.Sprintf("%#x", r.Address),
			State:   r.State.String(),
		})
	}
	return rows
}

// StreamError is the body of a refused request
type StreamError struct {
	Error string `json:"error"`
}

// RuleUpload is the body of a rule upload request
type RuleUpload struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Enabled  bool   `json:"enabled"`
}

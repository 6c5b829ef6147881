// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package fault escalates unrecoverable failures to the process supervisor.
package fault

import (
	"log/slog"
	"os"
)

// Handler is the fatal fault action. It is never retried internally.
type Handler interface {
	AbortAndRestart(reason error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(reason error)

func (f HandlerFunc) AbortAndRestart(reason error) { f(reason) }

// ExitHandler logs the reason and exits so that the supervisor (systemd,
// a container runtime) restarts the bridge.
type ExitHandler struct {
	Code int

	exit func(code int)
}

// NewExitHandler returns an ExitHandler exiting with code.
func NewExitHandler(code int) *ExitHandler {
	if code == 0 {
		code = 1
	}
	return &ExitHandler{Code: code, exit: os.Exit}
}

func (h *ExitHandler) AbortAndRestart(reason error) {
	slog.Error("Unrecoverable fault, exiting for restart", "err", reason, "code", h.Code)
	h.exit(h.Code)
}

/*
 * avrprog - Interactive terminal-mode line reader
 *
 * Copyright 2026, avrprog contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package term is the interactive "terminal mode" line reader (-t). The
// command grammar it dispatches to (dump/write/quit, etc.) is an external
// collaborator named only at this interface — the core's scope stops at
// driving one line through Dispatch per prompt.
package term

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/peterh/liner"
)

// Dispatch processes one line of terminal-mode input. It reports whether
// the session should end and any error to print to the user.
type Dispatch func(line string) (quit bool, err error)

// Complete returns candidate completions for the partial line so far.
type Complete func(line string) []string

// Run drives an interactive liner.State: Ctrl-C aborts the session,
// history is kept across prompts, and every accepted line is handed to
// dispatch until it reports quit or the prompt is aborted.
func Run(prompt string, dispatch Dispatch, complete Complete) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	if complete != nil {
		line.SetCompleter(func(l string) []string { return complete(l) })
	}

	for {
		cmd, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			slog.Error("terminal mode: error reading line", "error", err)
			return
		}
		line.AppendHistory(cmd)
		quit, err := dispatch(cmd)
		if err != nil {
			fmt.Println("Error: " + err.Error())
		}
		if quit {
			return
		}
	}
}

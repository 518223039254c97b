/* Copyright (c) 2018-2021 Waldemar Augustyn */

package ui

import (
	"fmt"
	"strings"
	"sync"
)

// Graphical stands in for a windowed front end. No GUI toolkit is
// available to import here, so this satisfies Interface by printing each
// update to stdout with a "[window] " prefix, so --gui is observably
// different without depending on anything outside the standard library.
// It reads no input: Actions yields only what Submit enqueues.
type Graphical struct {
	mu    sync.Mutex
	acts  chan Action
	done  chan struct{}
	lines []string
}

func NewGraphical() *Graphical {
	g := &Graphical{
		acts: make(chan Action, 16),
		done: make(chan struct{}),
	}
	return g
}

func (g *Graphical) render(line string) {
	g.mu.Lock()
	g.lines = append(g.lines, line)
	g.mu.Unlock()
	fmt.Println("[window] " + line)
}

func (g *Graphical) Deliver(sender, content string) {
	g.render(fmt.Sprintf("%s: %s", sender, content))
}

func (g *Graphical) DeliverFile(sender, name string, size int64) {
	g.render(fmt.Sprintf("%s sent file %q (%d bytes)", sender, name, size))
}

func (g *Graphical) SetStatus(status string) {
	g.render("status: " + status)
}

func (g *Graphical) SetRoster(names []string) {
	g.render("roster: " + strings.Join(names, ", "))
}

func (g *Graphical) Actions() <-chan Action {
	return g.acts
}

// Submit lets a real window's event handler enqueue an action; a
// placeholder front end has nothing to call this from.
func (g *Graphical) Submit(a Action) {
	select {
	case g.acts <- a:
	case <-g.done:
	}
}

func (g *Graphical) Close() {
	close(g.done)
}

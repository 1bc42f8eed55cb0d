package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// The Commander is the operator console of a foregrounded daemon: a line
// reader on stdin with a handful of commands. State-touching commands run
// as closures on the engine goroutine so the console never races the loop.
type commander struct {
	daemon *Daemon
	in     io.Reader
	out    io.Writer
}

func newCommander(d *Daemon) *commander {
	return &commander{daemon: d, in: os.Stdin, out: os.Stdout}
}

func (c *commander) run() {
	scanner := bufio.NewScanner(c.in)

	c.prompt()
	for scanner.Scan() {
		if !c.doCommand(scanner.Text()) {
			return
		}

		c.prompt()
	}
}

func (c *commander) prompt() {
	fmt.Fprintf(c.out, "%s> ", c.daemon.config.NodeName)
}

// doCommand returns false when the console should stop.
func (c *commander) doCommand(line string) bool {
	switch line {
	case "":
		return true

	case "h", "help", "?":
		fmt.Fprintln(c.out, "h[elp]\n\tThis message")
		fmt.Fprintln(c.out, "s[tatus]\n\tStatus of all ports")
		fmt.Fprintln(c.out, "q[uit]\n\tShut it all down")
		return true

	case "s", "status":
		c.status()
		return true

	case "q", "quit":
		_ = c.daemon.Stop()
		return false
	}

	fmt.Fprintf(c.out, "Unknown command %q, try help\n", line)
	return true
}

// status renders the peer table. The snapshot is taken on the engine
// goroutine; rendering happens back here.
func (c *commander) status() {
	type row struct {
		id       int
		name     string
		class    string
		vectors  int
		recycled bool
	}

	done := make(chan []row, 1)
	select {
	case c.daemon.console <- func() {
		var rows []row
		for _, p := range c.daemon.reg.All() {
			rows = append(rows, row{
				id:       p.id,
				name:     p.nodeName,
				class:    p.cclass,
				vectors:  len(p.vector),
				recycled: p.adopted,
			})
		}
		done <- rows
	}:
	case <-c.daemon.Dead():
		return
	}

	var rows []row
	select {
	case rows = <-done:
	case <-c.daemon.Dead():
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Node", "Class", "Vectors", "Recycled"})
	for _, r := range rows {
		table.Append([]string{
			strconv.Itoa(r.id),
			r.name,
			r.class,
			strconv.Itoa(r.vectors),
			strconv.FormatBool(r.recycled),
		})
	}

	table.Render()
}

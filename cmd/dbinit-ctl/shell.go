// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/go-lpc/dbinit/board"
	"github.com/go-lpc/dbinit/rap"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var shellLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
	{Name: "Int", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_-]*`},
})

// Command is a line of the register console.
type Command struct {
	Peek   *Peek  `  @@`
	Poke   *Poke  `| @@`
	Phase  *Phase `| @@`
	Sysref bool   `| @"sysref"`
	Status bool   `| @"status"`
	Ports  bool   `| @"ports"`
	Help   bool   `| @"help"`
	Quit   bool   `| @("quit" | "exit")`
}

// Peek reads a register.
type Peek struct {
	Op   string `@("peek8" | "peek16" | "peek32")`
	Port string `@Ident`
	Addr uint32 `@Int`
}

// Poke writes a register.
type Poke struct {
	Op    string `@("poke8" | "poke16" | "poke32")`
	Port  string `@Ident`
	Addr  uint32 `@Int`
	Value uint32 `@Int`
}

// Phase sets the phase DAC code.
type Phase struct {
	Code uint16 `"phase" @Int`
}

var shellParser = participle.MustBuild[Command](
	participle.Lexer(shellLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.UseLookahead(2),
)

const shellHelp = `commands:
  peek8|peek16|peek32 <port> <addr>          read a register
  poke8|poke16|poke32 <port> <addr> <value>  write a register
  phase <code>                               set the phase DAC code
  sysref                                     send a SYSREF pulse
  status                                     dump the link status
  ports                                      list the register ports
  quit                                       leave the console
`

func width(op string) rap.Width {
	switch {
	case strings.HasSuffix(op, "16"):
		return rap.W16
	case strings.HasSuffix(op, "32"):
		return rap.W32
	default:
		return rap.W8
	}
}

type shell struct {
	brd   *board.Board
	ports map[string]*rap.Port
	out   io.Writer
}

func newShell(brd *board.Board, ports board.Ports, out io.Writer) *shell {
	sh := &shell{
		brd:   brd,
		ports: make(map[string]*rap.Port),
		out:   out,
	}
	for _, p := range []*rap.Port{ports.FPGA, ports.TDC, ports.LMK, ports.PhaseDAC, ports.ADC, ports.DAC} {
		if p == nil {
			continue
		}
		sh.ports[p.Name()] = p
	}
	return sh
}

func (sh *shell) port(name string) (*rap.Port, error) {
	p, ok := sh.ports[name]
	if !ok {
		return nil, fmt.Errorf("unknown port %q", name)
	}
	return p, nil
}

func (sh *shell) names() []string {
	out := make([]string, 0, len(sh.ports))
	for k := range sh.ports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// exec runs the provided command line.
// exec reports whether the console should be left.
func (sh *shell) exec(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false, nil
	}

	cmd, err := shellParser.ParseString("", line)
	if err != nil {
		return false, fmt.Errorf("could not parse command: %w", err)
	}

	switch {
	case cmd.Peek != nil:
		p, err := sh.port(cmd.Peek.Port)
		if err != nil {
			return false, err
		}
		w := width(cmd.Peek.Op)
		v, err := p.Peek(cmd.Peek.Addr, w)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "%s[0x%04x] = 0x%0*x\n", p.Name(), cmd.Peek.Addr, 2*int(w), v)

	case cmd.Poke != nil:
		p, err := sh.port(cmd.Poke.Port)
		if err != nil {
			return false, err
		}
		err = p.Poke(cmd.Poke.Addr, width(cmd.Poke.Op), cmd.Poke.Value)
		if err != nil {
			return false, err
		}

	case cmd.Phase != nil:
		return false, sh.brd.SetFinePhase(cmd.Phase.Code)

	case cmd.Sysref:
		return false, sh.brd.ResendSysref()

	case cmd.Status:
		_, err := printStatus(sh.out, sh.brd)
		return false, err

	case cmd.Ports:
		fmt.Fprintf(sh.out, "%s\n", strings.Join(sh.names(), " "))

	case cmd.Help:
		fmt.Fprint(sh.out, shellHelp)

	case cmd.Quit:
		return true, nil
	}
	return false, nil
}

func (sh *shell) complete(line string) []string {
	words := []string{
		"peek8", "peek16", "peek32", "poke8", "poke16", "poke32",
		"phase", "sysref", "status", "ports", "help", "quit",
	}
	fields := strings.Fields(line)
	if len(fields) == 1 && strings.HasSuffix(line, " ") &&
		(strings.HasPrefix(fields[0], "peek") || strings.HasPrefix(fields[0], "poke")) {
		var out []string
		for _, name := range sh.names() {
			out = append(out, fields[0]+" "+name)
		}
		return out
	}

	var out []string
	for _, w := range words {
		if strings.HasPrefix(w, strings.ToLower(line)) {
			out = append(out, w)
		}
	}
	return out
}

func (sh *shell) run() error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	prompt := fmt.Sprintf("slot%d> ", sh.brd.Slot())
	for {
		line, err := term.Prompt(prompt)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(sh.out)
			return nil
		case err != nil:
			return fmt.Errorf("could not read command: %w", err)
		}
		term.AppendHistory(line)

		quit, err := sh.exec(line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %+v\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive register console of a daughterboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		sel, err := cfg.selectSlots(slots)
		if err != nil {
			return err
		}
		if len(sel) != 1 {
			return fmt.Errorf("shell needs exactly one slot (got %d)", len(sel))
		}

		fam, err := board.LookupFamily(cfg.Family)
		if err != nil {
			return err
		}
		ports, err := openPorts(sel[0])
		if err != nil {
			return err
		}
		defer closePorts(ports)

		brd, err := board.New(sel[0].Slot, fam, ports, board.WithPhaseDACAddr(sel[0].PhaseDACAddr))
		if err != nil {
			return err
		}
		return newShell(brd, ports, cmd.OutOrStdout()).run()
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// shell.go implements "otdrive shell": an interactive prompt whose lines go
// through the same send/await cycle as every scripted command.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/session"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive prompt on the simulator or a node container",
	Long: `Start the simulator (or attach to one node container with --attach)
and read commands from the terminal. Each line is sent with the usual
timeout, recovery and retry handling and the reply is printed. Type
"exit" or press Ctrl-D to leave.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

var shellAttach string

func init() {
	shellCmd.Flags().StringVar(&shellAttach, "attach", "", "Node container to attach to instead of starting the simulator")
}

func runShell(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var s session.Session
	if shellAttach != "" {
		s, err = a.containerOpener()(fanout.NodeRef(shellAttach))
	} else {
		s, err = a.dialSimulator()
	}
	if err != nil {
		return err
	}
	defer s.Close()

	return interact(s, cmd.OutOrStdout())
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("add", readline.PcItem("router"), readline.PcItem("fed"), readline.PcItem("med"), readline.PcItem("sed")),
	readline.PcItem("commissioner", readline.PcItem("start"), readline.PcItem("joiner", readline.PcItem("add"))),
	readline.PcItem("dataset", readline.PcItem("init"), readline.PcItem("commit")),
	readline.PcItem("del"),
	readline.PcItem("eui64"),
	readline.PcItem("go"),
	readline.PcItem("ifconfig", readline.PcItem("up"), readline.PcItem("down")),
	readline.PcItem("ipaddr"),
	readline.PcItem("joiner", readline.PcItem("start")),
	readline.PcItem("node"),
	readline.PcItem("nodes"),
	readline.PcItem("ping"),
	readline.PcItem("pings"),
	readline.PcItem("speed"),
	readline.PcItem("state"),
	readline.PcItem("thread", readline.PcItem("start"), readline.PcItem("stop")),
	readline.PcItem("exit"),
)

// interact runs the prompt loop until exit, EOF, or the session ends.
func interact(s session.Session, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "otdrive> ",
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}

		res, err := s.Execute(line)
		if res.Text != "" {
			fmt.Fprintln(rl.Stdout(), strings.TrimRight(res.Text, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, session.ErrEndOfStream) || errors.Is(err, session.ErrClosed) {
				fmt.Fprintln(rl.Stderr(), "session ended:", err)
				return nil
			}
			fmt.Fprintln(rl.Stderr(), "error:", err)
		}
	}
}

// init.go implements the "otdrive init" command with optional --guided flag.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otdrive/otdrive/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize otdrive in the current directory",
	Long: `Create the .otdrive/ directory with a default config.yaml and make
sure runtime files (transcript, run database, simulator stderr) are
ignored by git.`,
	RunE: runInit,
}

var guidedFlag bool

func init() {
	initCmd.Flags().BoolVar(&guidedFlag, "guided", false, "Interactive prompts for configuration overrides")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	stateDir := config.Dir(dir)
	if info, statErr := os.Stat(stateDir); statErr == nil && info.IsDir() {
		fmt.Fprintln(out, "Warning: .otdrive/ directory already exists.")
		fmt.Fprint(out, "Reinitialize? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Join(stateDir, "runs"), 0755); err != nil {
		return fmt.Errorf("creating directory .otdrive/runs: %w", err)
	}

	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to set up .gitignore: %v\n", err)
	}

	cfg := config.DefaultConfig()
	if guidedFlag {
		guidedOverrides(cfg, reader, out)
	}
	if err := config.WriteConfig(dir, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "otdrive initialized")
	fmt.Fprintf(out, "  Simulator: %s\n", cfg.Simulator.Command)
	fmt.Fprintf(out, "  Nodes:     %d (%s1..%s%d)\n", cfg.FanOut.Nodes, cfg.FanOut.NodePrefix, cfg.FanOut.NodePrefix, cfg.FanOut.Nodes)
	fmt.Fprintf(out, "  Workers:   %d\n", cfg.FanOut.Workers)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration written to .otdrive/config.yaml")
	fmt.Fprintln(out, "Try: otdrive layout row 5")
	return nil
}

// guidedOverrides asks for the handful of values that differ per lab.
// An empty answer keeps the default.
func guidedOverrides(cfg *config.Config, reader *bufio.Reader, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- Guided Configuration ---")

	fmt.Fprintf(out, "Simulator command [%s]: ", cfg.Simulator.Command)
	if v := readLine(reader); v != "" {
		cfg.Simulator.Command = v
	}

	fmt.Fprintf(out, "Container endpoint template [%s]: ", cfg.FanOut.EndpointTemplate)
	if v := readLine(reader); v != "" {
		cfg.FanOut.EndpointTemplate = v
	}

	fmt.Fprintf(out, "Number of node containers [%d]: ", cfg.FanOut.Nodes)
	if v := readLine(reader); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FanOut.Nodes = n
		} else {
			fmt.Fprintf(out, "  ignoring %q: not a positive number\n", v)
		}
	}

	fmt.Fprintf(out, "Commissioning leader [%s]: ", cfg.Commission.Leader)
	if v := readLine(reader); v != "" {
		cfg.Commission.Leader = v
	}

	fmt.Fprintln(out, "--- End Guided Configuration ---")
	fmt.Fprintln(out)
}

func readLine(reader *bufio.Reader) string {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

// ensureGitignore creates or appends to .gitignore with the runtime files
// otdrive writes. Entries already present are left alone.
func ensureGitignore(dir string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	requiredEntries := []string{
		".env",
		".otdrive/log.jsonl",
		".otdrive/otdrive.log",
		".otdrive/simulator.log",
		".otdrive/runs.db",
		".otdrive/runs/",
	}

	existing := ""
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range requiredEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	var toAppend strings.Builder
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		toAppend.WriteString("\n")
	}
	if existing != "" {
		toAppend.WriteString("\n# Added by otdrive init\n")
	}
	for _, entry := range missing {
		toAppend.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(toAppend.String()); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

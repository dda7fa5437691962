package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/probing/internal/capture"
	"github.com/zjrosen/probing/internal/config"
	"github.com/zjrosen/probing/internal/profile"
)

var parseCmd = &cobra.Command{
	Use:   "parse <spec>",
	Short: "Show how a profiling spec is interpreted",
	Long: `Parse a profiling spec and print the resulting configuration as YAML.
Malformed fragments are dropped, so the output shows what will actually apply.

Example:
  probing parse "random:0.1,tracepy=on"
  probing parse on --save`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

var parseSave bool

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().BoolVar(&parseSave, "save", false, "write the spec to the config file")
}

type parsedSpec struct {
	profile.Config `yaml:",inline"`
	Canonical      string   `yaml:"canonical"`
	Targets        []string `yaml:"targets,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) error {
	spec := args[0]
	pc := profile.Parse(spec)

	out := parsedSpec{Config: pc, Canonical: pc.String()}
	for _, t := range capture.ParseTargets(pc.Exprs) {
		out.Targets = append(out.Targets, t.String())
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if parseSave {
		path := configPath()
		if err := config.SaveProfiling(path, spec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved to %s\n", path)
	}
	return nil
}

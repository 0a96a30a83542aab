package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/reportd/internal/template"
)

func init() {
	rootCmd.AddCommand(compileCmd)
}

var compileCmd = &cobra.Command{
	Use:   "compile <dir>",
	Short: "Validate a report bundle without deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tmpl, err := template.Compile(args[0])
		if err != nil {
			return fmt.Errorf("compile %s: %w", args[0], err)
		}

		def := tmpl.Definition
		fmt.Fprintf(os.Stdout, "Report %q (%s)\n", def.Name, def.ID)
		fmt.Fprintf(os.Stdout, "  title:   %s\n", tmpl.Title)
		fmt.Fprintf(os.Stdout, "  columns: %d\n", len(tmpl.Columns))
		if tmpl.SubreportDir != "" {
			fmt.Fprintf(os.Stdout, "  subreports: %s\n", tmpl.SubreportDir)
		}
		for _, p := range def.Parameters {
			if p.System {
				continue
			}
			prompt := ""
			if p.Prompt {
				prompt = " (prompt)"
			}
			fmt.Fprintf(os.Stdout, "  param %d: %s %s%s\n", p.Index, p.Name, p.Class, prompt)
		}
		return nil
	},
}

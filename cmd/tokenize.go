package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livepreview/internal/tokenizer"
)

var tokenizeWithText bool

var tokenizeCmd = &cobra.Command{
	Use:   "tokenize <file>",
	Short: "Print the node payloads of an HTML document",
	Long: `Tokenize an HTML document the way live documents are diffed and print
one JSON payload per line.

Examples:
  livepreview tokenize index.html
  livepreview tokenize index.html --text   # include each node's source text`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenize,
}

func init() {
	rootCmd.AddCommand(tokenizeCmd)

	tokenizeCmd.Flags().BoolVar(&tokenizeWithText, "text", false, "Include the source text of each payload")
}

type payloadLine struct {
	tokenizer.Payload
	Source string `json:"source,omitempty"`
}

func runTokenize(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	source := string(data)

	enc := json.NewEncoder(cmd.OutOrStdout())
	for p := range tokenizer.Tokenize(source) {
		line := payloadLine{Payload: p}
		if tokenizeWithText {
			line.Source = tokenizer.Slice(source, p)
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

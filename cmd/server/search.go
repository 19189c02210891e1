package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/retrieval"
)

var (
	searchPhone   string
	searchVerbose bool
)

var searchCmd = &cobra.Command{
	Use:   "search <keywords...>",
	Short: "Run one claims search and print the tool result",
	Long: `Run one claims search against the configured retrieval backend and print
the JSON the voice agent would see. Backend errors are reported in the
result's "error" field, as they are during a call.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchPhone, "phone", "", "restrict to claims filed from this caller number")
	searchCmd.Flags().BoolVarP(&searchVerbose, "verbose", "v", false, "log at debug level")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRetrieval(); err != nil {
		return err
	}

	level := "error"
	if searchVerbose {
		level = "debug"
	}
	observability.InitLogger(level, true)
	logger := observability.GetLogger()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	retriever, err := retrieval.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer retriever.Close()

	res, err := retriever.Search(ctx, retrieval.Query{
		Text:        strings.Join(args, " "),
		CallerPhone: searchPhone,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(retrieval.Report(res, err))
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/workflow"
)

type submitFlags struct {
	priority string
	userID   string
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.priority, "priority", "NORMAL", "LOW, NORMAL, HIGH or URGENT")
	cmd.Flags().StringVar(&f.userID, "user", "", "submitting user id")
}

func (f *submitFlags) parsePriority() (*core.Priority, error) {
	p, err := core.ParsePriority(f.priority)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func newSubmitCmd(a *app) *cobra.Command {
	var (
		sf         submitFlags
		pipelineID string
		docIDs     []string
		kind       string
		reprocess  bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a fan-out/combine/analyze workflow over documents",
		Long: "Start a workflow for an analysis pipeline. Each document is processed by its own task;\n" +
			"the combined text is analyzed once every document task has finished.\n" +
			"Run `docpipe serve` to execute the tasks.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priority, err := sf.parsePriority()
			if err != nil {
				return err
			}
			req := workflow.Request{
				PipelineID:   pipelineID,
				DocumentIDs:  docIDs,
				AnalysisType: core.AnalysisType(kind),
				UserID:       sf.userID,
				Priority:     priority,
			}
			if reprocess {
				req.Parameters = map[string]any{workflow.ParamReprocess: true}
			}
			sub, err := a.system(nil).SubmitWorkflow(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "analysis pipeline id")
	cmd.Flags().StringSliceVar(&docIDs, "doc", nil, "document id (repeatable)")
	cmd.Flags().StringVar(&kind, "type", "", "RFP or PROPOSAL (defaults to the pipeline's type)")
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "discard earlier per-document output first")
	_ = cmd.MarkFlagRequired("pipeline")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func newExecuteCmd(a *app) *cobra.Command {
	var (
		sf       submitFlags
		configID string
		docID    string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run a pipeline configuration against one document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priority, err := sf.parsePriority()
			if err != nil {
				return err
			}
			sub, err := a.system(nil).SubmitExecution(cmd.Context(), workflow.ExecutionRequest{
				PipelineConfigID: configID,
				DocumentID:       docID,
				UserID:           sf.userID,
				Priority:         priority,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&configID, "config", "", "pipeline configuration id")
	cmd.Flags().StringVar(&docID, "doc", "", "document id")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

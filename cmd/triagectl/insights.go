package main

import (
	"context"

	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/spf13/cobra"
)

func newInsightsCmd(root *rootOptions) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Analyze a client's conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen, p, history, err := root.analysisInputs()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()
			return printJSON(cmd.OutOrStdout(), gen.Generate(ctx, p, history, window))
		},
	}
	cmd.Flags().IntVar(&window, "window", insight.DefaultWindowDays, "Days of history to analyze")
	return cmd
}

func newRiskCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "risk",
		Short: "Assess a client's retention risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen, p, history, err := root.analysisInputs()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()
			assessment, _ := gen.AssessRisk(ctx, insight.RiskInputFromHistory(history, root.now()))
			assessment.ClientID = p.ID
			return printJSON(cmd.OutOrStdout(), assessment)
		},
	}
}

func (o *rootOptions) analysisInputs() (*insight.Generator, models.ClientProfile, []models.ConversationMessage, error) {
	p, err := loadProfile(o.profile)
	if err != nil {
		return nil, p, nil, err
	}
	history, err := loadHistory(o.history)
	if err != nil {
		return nil, p, nil, err
	}
	classifier, _, err := o.newGenerators(o.apiKey, o.model)
	if err != nil {
		return nil, p, nil, err
	}
	return insight.NewGenerator(classifier, insight.WithClock(o.now)), p, history, nil
}

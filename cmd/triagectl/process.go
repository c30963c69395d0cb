package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/timing"
	"github.com/spf13/cobra"
)

type processOptions struct {
	*rootOptions
	count  int
	stream bool
	delay  bool
}

func newProcessCmd(root *rootOptions) *cobra.Command {
	opts := &processOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "process [message...]",
		Short: "Triage one client message",
		Long: `Runs the six triage stages on a message and prints the final decision as JSON.
Pass "-" to read the message from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: opts.run,
	}
	cmd.Flags().IntVar(&opts.count, "count", 0, "Replies already sent to this client this week")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print the reply as it is generated")
	cmd.Flags().BoolVar(&opts.delay, "delay", false, "Wait the human-like reply delay")
	return cmd
}

func (o *processOptions) run(cmd *cobra.Command, args []string) error {
	message, err := messageText(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if message == "" {
		return errors.New("message is empty")
	}
	profile, err := loadProfile(o.profile)
	if err != nil {
		return err
	}
	history, err := loadHistory(o.history)
	if err != nil {
		return err
	}
	classifier, writer, err := o.newGenerators(o.apiKey, o.model)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	pipeline := flow.New(classifier, writer,
		flow.WithClock(o.now),
		flow.WithDelayer(timing.NewDelayer(o.delay)))

	req := flow.Request{
		Message:      message,
		Profile:      profile,
		MessageCount: o.count,
		EnableDelay:  o.delay,
		History:      history,
	}
	out := cmd.OutOrStdout()
	streamed := false
	if o.stream {
		req.Sink = func(fragment string) {
			streamed = true
			fmt.Fprint(out, fragment)
		}
	}

	d := pipeline.ProcessMessage(ctx, req)
	if streamed {
		fmt.Fprintln(out)
	}
	return printJSON(out, d)
}

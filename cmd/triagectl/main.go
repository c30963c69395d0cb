// Command triagectl runs the triage pipeline and the insight analysis against local profile and
// history files, without a server or a database.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	classifierTemperature = 0.1
	writerTemperature     = 0.45
)

// generators returns the classification and reply models.
type generators func(apiKey, model string) (classifier, writer flow.Generator, err error)

func openAIGenerators(apiKey, model string) (flow.Generator, flow.Generator, error) {
	classifier, err := genai.NewClient(genai.WithAPIKey(apiKey), genai.WithModel(model), genai.WithTemperature(classifierTemperature))
	if err != nil {
		return nil, nil, err
	}
	writer, err := genai.NewClient(genai.WithAPIKey(apiKey), genai.WithModel(model), genai.WithTemperature(writerTemperature))
	if err != nil {
		return nil, nil, err
	}
	return classifier, writer, nil
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	verbose bool
	apiKey  string
	model   string
	timeout time.Duration
	profile string
	history string

	newGenerators generators
	now           func() time.Time
}

func newRootCmd(newGenerators generators) *cobra.Command {
	opts := &rootOptions{newGenerators: newGenerators, now: time.Now}
	cmd := &cobra.Command{
		Use:           "triagectl",
		Short:         "Run law-firm message triage from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "OpenAI API key (or set OPENAI_API_KEY env)")
	cmd.PersistentFlags().StringVar(&opts.model, "model", genai.DefaultModel, "Model identifier")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Operation timeout")
	cmd.PersistentFlags().StringVarP(&opts.profile, "profile", "p", "", "Client profile YAML file")
	cmd.PersistentFlags().StringVar(&opts.history, "history", "", "Conversation history YAML file")
	cmd.MarkPersistentFlagRequired("profile")

	cmd.AddCommand(newProcessCmd(opts))
	cmd.AddCommand(newInsightsCmd(opts))
	cmd.AddCommand(newRiskCmd(opts))
	return cmd
}

func main() {
	if err := newRootCmd(openAIGenerators).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadProfile reads and validates a client profile file.
func loadProfile(path string) (models.ClientProfile, error) {
	var p models.ClientProfile
	if err := readYAML(path, &p); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// loadHistory reads a conversation history file. An empty path yields no history.
func loadHistory(path string) ([]models.ConversationMessage, error) {
	if path == "" {
		return nil, nil
	}
	var history []models.ConversationMessage
	if err := readYAML(path, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// messageText joins the arguments, or reads stdin for a single "-".
func messageText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read message from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

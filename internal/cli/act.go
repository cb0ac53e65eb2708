package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/bjaus/relay"
)

type actOptions struct {
	via  string
	data string
}

func newActCommand(cfgPath *string) *cobra.Command {
	var opts actOptions
	cmd := &cobra.Command{
		Use:   "act <pattern>",
		Short: "Send one call through a transport and print the result",
		Example: `  relay act "role:greet, name:bob" --via nats
  relay act "role:math, cmd:sum" --data '{"a":1,"b":2}' --via mqtt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return act(cmd.Context(), cmd.OutOrStdout(), *cfgPath, strings.Join(args, ", "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.via, "via", "nats", "transport to send the call through")
	cmd.Flags().StringVar(&opts.data, "data", "", "JSON object merged into the message")
	return cmd
}

func newRoutesCommand(cfgPath *string) *cobra.Command {
	var opts actOptions
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes of a remote relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return act(cmd.Context(), cmd.OutOrStdout(), *cfgPath, RoutesPattern, opts)
		},
	}
	cmd.Flags().StringVar(&opts.via, "via", "nats", "transport to send the call through")
	return cmd
}

func act(ctx context.Context, w io.Writer, cfgPath, pattern string, opts actOptions) error {
	data, err := parseData(opts.data)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	e, err := buildEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	return sendVia(ctx, w, e, pattern, data, opts.via)
}

// sendVia routes pattern to the via transport, sends it once and prints
// the result as JSON.
func sendVia(ctx context.Context, w io.Writer, e *relay.Engine, pattern string, data relay.Message, via string) error {
	if err := e.AddRemote(pattern, via); err != nil {
		return err
	}
	if err := e.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Disconnect(context.Background()) }()

	res, err := e.Act(ctx, pattern, data)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func parseData(s string) (relay.Message, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("--data: %w", relay.ErrInvalidJSON)
	}
	m, ok := gjson.Parse(s).Value().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("--data must be a JSON object")
	}
	return relay.Message(m), nil
}

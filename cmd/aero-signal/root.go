package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signalclient"
)

const (
	envRelayURL = "AERO_SIGNAL_RELAY_URL"
	envAPIKey   = "AERO_SIGNAL_API_KEY"
	envToken    = "AERO_SIGNAL_TOKEN"

	defaultRelayURL = "http://127.0.0.1:8080"
)

type rootOptions struct {
	relayURL string
	apiKey   string
	token    string
	output   string
}

func (o *rootOptions) client(extra ...signalclient.Option) (*signalclient.Client, error) {
	var opts []signalclient.Option
	if o.apiKey != "" {
		opts = append(opts, signalclient.WithAPIKey(o.apiKey))
	}
	if o.token != "" {
		opts = append(opts, signalclient.WithToken(o.token))
	}
	return signalclient.New(o.relayURL, append(opts, extra...)...)
}

func (o *rootOptions) printer(cmd *cobra.Command) (*printer, error) {
	switch strings.ToLower(o.output) {
	case "text", "":
		return &printer{w: cmd.OutOrStdout()}, nil
	case "json":
		return &printer{w: cmd.OutOrStdout(), json: true}, nil
	default:
		return nil, fmt.Errorf("invalid --output %q (expected text or json)", o.output)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "aero-signal",
		Short: "Send, poll and watch WebRTC signals on an aero signal relay",
		Long: `aero-signal talks to an aero-webrtc-signal-relay.

Credentials and the relay URL can also come from the environment:
  ` + envRelayURL + `, ` + envAPIKey + `, ` + envToken + `

Examples:
  aero-signal send --from alice --to bob --kind offer --payload '{"type":"offer","sdp":"..."}'
  aero-signal poll bob --timeout 25s
  aero-signal poll bob --follow -o json
  aero-signal watch bob`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.relayURL, "relay", envOr(envRelayURL, defaultRelayURL), "relay base URL")
	pf.StringVar(&opts.apiKey, "api-key", os.Getenv(envAPIKey), "API key (AUTH_MODE=api_key)")
	pf.StringVar(&opts.token, "token", os.Getenv(envToken), "JWT (AUTH_MODE=jwt)")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newSendCmd(opts),
		newPollCmd(opts),
		newWatchCmd(opts),
		newICECmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

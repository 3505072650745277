package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to, kind string
		payload        string
		payloadFile    string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one signal",
		Long: `Send one signal to a participant's mailbox.

The payload is any JSON value; use --payload-file - to read it from stdin.

Examples:
  aero-signal send --from alice --to bob --kind offer --payload-file offer.json
  aero-signal send --from alice --to bob --kind end`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, payload, payloadFile)
			if err != nil {
				return err
			}
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ack, err := c.Send(cmd.Context(), relay.Submission{
				From:    mailbox.ParticipantID(from),
				To:      mailbox.ParticipantID(to),
				Kind:    mailbox.Kind(kind),
				Payload: raw,
			})
			if err != nil {
				return err
			}
			return p.ack(ack)
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "", "sender participant id")
	f.StringVar(&to, "to", "", "recipient participant id")
	f.StringVar(&kind, "kind", "", "offer, answer, ice-candidate, end or reject")
	f.StringVar(&payload, "payload", "", "payload JSON (default {})")
	f.StringVar(&payloadFile, "payload-file", "", "read the payload JSON from a file, - for stdin")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("kind")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

func readPayload(cmd *cobra.Command, inline, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		data = []byte("{}")
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

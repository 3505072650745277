package main

import (
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signalclient"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var msgpack bool

	cmd := &cobra.Command{
		Use:   "watch <participant>",
		Short: "Receive signals over WebSocket push",
		Long: `Join a participant's push group and print every signal delivered to it,
starting with anything already queued, until interrupted or disconnected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			var extra []signalclient.Option
			if msgpack {
				extra = append(extra, signalclient.WithMsgpack())
			}
			c, err := opts.client(extra...)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			stream, err := c.Watch(ctx, mailbox.ParticipantID(args[0]))
			if err != nil {
				return err
			}
			defer stream.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-stream.Signals():
					if !ok {
						return stream.Err()
					}
					if err := p.message(msg); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&msgpack, "msgpack", false, "negotiate MessagePack frames")
	return cmd
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
)

func newPollCmd(opts *rootOptions) *cobra.Command {
	var (
		timeout    time.Duration
		follow     bool
		retryDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "poll <participant>",
		Short: "Drain a mailbox over long-poll",
		Long: `Drain a participant's mailbox. Without --follow one long poll is made and
its messages are printed; with --follow polling repeats until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			participant := mailbox.ParticipantID(args[0])

			if !follow {
				msgs, err := c.Poll(cmd.Context(), participant, timeout)
				if err != nil {
					return err
				}
				return p.messages(msgs)
			}

			err = c.Follow(cmd.Context(), participant, timeout, retryDelay, p.message)
			if cmd.Context().Err() != nil {
				// Interrupted.
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.DurationVar(&timeout, "timeout", 25*time.Second, "long-poll timeout (0 returns immediately)")
	f.BoolVarP(&follow, "follow", "f", false, "keep polling and print messages as they arrive")
	f.DurationVar(&retryDelay, "retry-delay", time.Second, "delay before retrying a failed poll with --follow")
	return cmd
}

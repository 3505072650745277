package main

import "github.com/spf13/cobra"

func newICECmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ice",
		Short: "Show the relay's ICE server list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.printer(cmd)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			servers, err := c.ICEServers(cmd.Context())
			if err != nil {
				return err
			}
			return p.iceServers(servers)
		},
	}
}

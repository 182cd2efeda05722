package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List joined rooms and their display names",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			joined, err := w.HS.JoinedRooms(ctx)
			if err != nil {
				return err
			}
			for _, room := range joined {
				name, err := w.HS.RoomName(ctx, room)
				if err != nil {
					return err
				}
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %s\n", room, name)
			}
			return nil
		},
	}
}

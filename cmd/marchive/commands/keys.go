package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"marchive/internal/domain"
	"marchive/internal/keystore"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key bundle utilities",
	}
	cmd.AddCommand(keysInspectCmd())
	return cmd
}

// keys inspect: summarise a bundle without talking to any server.
func keysInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarise an exported room keys bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg.KeysPath == "" {
				if cfg.KeysPath, err = promptLine("Exported room keys file: "); err != nil {
					return err
				}
			}
			pass := cfg.KeysPassphrase
			if pass == "" {
				if pass, err = promptSecret("Key bundle passphrase: "); err != nil {
					return err
				}
			}

			store, stats, err := keystore.Load(cfg.KeysPath, pass, log)
			if err != nil {
				return err
			}
			fmt.Printf("%d sessions (%d records skipped)\n", store.Len(), stats.Skipped)

			counts := store.RoomCounts()
			rooms := make([]domain.RoomID, 0, len(counts))
			for room := range counts {
				rooms = append(rooms, room)
			}
			sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
			for _, room := range rooms {
				fmt.Printf("  %s: %d\n", room, counts[room])
			}
			return nil
		},
	}
}

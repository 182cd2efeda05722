package commands

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"marchive/internal/app"
	"marchive/internal/domain"
	"marchive/internal/services/archive"
)

func archiveCmd() *cobra.Command {
	var (
		roomRegexes []string
		allRooms    bool
	)
	cmd := &cobra.Command{
		Use:   "archive [room-id ...]",
		Short: "Walk room history into a chronological JSONL archive",
		Long: `Walk each room's history backward from the present, decrypting with the
imported session keys, and write one JSONL archive file per room plus its
attachments. Interrupted runs resume where they stopped; completed runs are
a no-op to repeat.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			keys, err := loadKeys(w)
			if err != nil {
				return err
			}
			pipeline, err := w.Pipeline(keys)
			if err != nil {
				return err
			}

			for _, a := range args {
				if err := archiveOne(ctx, pipeline, domain.RoomID(a)); err != nil {
					return err
				}
			}

			if allRooms || len(roomRegexes) > 0 {
				rooms, err := matchRooms(ctx, w, roomRegexes, allRooms)
				if err != nil {
					return err
				}
				for _, room := range rooms {
					if err := archiveOne(ctx, pipeline, room); err != nil {
						return err
					}
				}
				return nil
			}

			// Interactive mode: offer the joined-room list until the user is
			// done, whether or not rooms were named on the command line.
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				if len(args) == 0 {
					return fmt.Errorf("no rooms selected; pass room ids, --all-rooms or --room-regex")
				}
				return nil
			}
			for {
				rooms, err := pickRooms(ctx, w)
				if err != nil {
					return err
				}
				if len(rooms) == 0 {
					return nil
				}
				for _, room := range rooms {
					if err := archiveOne(ctx, pipeline, room); err != nil {
						return err
					}
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&roomRegexes, "room-regex", nil, "archive joined rooms whose name matches (repeatable)")
	f.BoolVar(&allRooms, "all-rooms", false, "archive every joined room")
	f.BoolVar(&cfg.NoMedia, "no-media", false, "skip attachments and avatars")
	f.IntVar(&cfg.MediaWorkers, "media-workers", cfg.MediaWorkers, "concurrent attachment downloads")
	f.IntVar(&cfg.BatchLimit, "batch", cfg.BatchLimit, "events per pagination request")
	f.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retries per failing request")
	return cmd
}

func archiveOne(ctx context.Context, pipeline *archive.Service, room domain.RoomID) error {
	sum, err := pipeline.ArchiveRoom(ctx, room)
	if err != nil {
		return fmt.Errorf("archive %s: %w", room, err)
	}
	name := sum.Name
	if name == "" {
		name = room.String()
	}
	fmt.Printf("%s: %d records (%d new) -> %s\n", name, sum.Records, sum.Staged, sum.Path)
	return nil
}

// joinedWithNames lists joined rooms alongside their display names.
func joinedWithNames(ctx context.Context, w *app.Wire) ([]domain.RoomID, []string, error) {
	joined, err := w.HS.JoinedRooms(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list joined rooms: %w", err)
	}
	if len(joined) == 0 {
		return nil, nil, fmt.Errorf("no joined rooms")
	}
	names := make([]string, len(joined))
	for i, room := range joined {
		if names[i], err = w.HS.RoomName(ctx, room); err != nil {
			return nil, nil, err
		}
	}
	return joined, names, nil
}

// matchRooms resolves --all-rooms / --room-regex selections.
func matchRooms(ctx context.Context, w *app.Wire, patterns []string, all bool) ([]domain.RoomID, error) {
	joined, names, err := joinedWithNames(ctx, w)
	if err != nil {
		return nil, err
	}
	if all {
		return joined, nil
	}

	regexes := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		if regexes[i], err = regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("bad --room-regex %q: %w", p, err)
		}
	}
	var rooms []domain.RoomID
	for i, room := range joined {
		for _, re := range regexes {
			if re.MatchString(names[i]) || re.MatchString(room.String()) {
				rooms = append(rooms, room)
				break
			}
		}
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("no joined room matches %v", patterns)
	}
	return rooms, nil
}

// pickRooms asks the user which joined rooms to archive. An empty answer
// means they are done.
func pickRooms(ctx context.Context, w *app.Wire) ([]domain.RoomID, error) {
	joined, names, err := joinedWithNames(ctx, w)
	if err != nil {
		return nil, err
	}
	for i, room := range joined {
		name := names[i]
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(os.Stderr, "%3d. %s  %s\n", i+1, name, room)
	}
	answer, err := promptLine("Rooms to archive (numbers separated by commas, 'all', or empty to finish): ")
	if err != nil {
		return nil, err
	}
	if answer == "" {
		return nil, nil
	}
	if strings.EqualFold(answer, "all") {
		return joined, nil
	}

	var rooms []domain.RoomID
	for _, field := range strings.Split(answer, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(joined) {
			return nil, fmt.Errorf("invalid selection %q", field)
		}
		rooms = append(rooms, joined[n-1])
	}
	return rooms, nil
}

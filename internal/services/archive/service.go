package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marchive/internal/domain"
	"marchive/internal/services/decrypt"
	"marchive/internal/services/media"
	"marchive/internal/services/normalize"
	"marchive/internal/services/paginate"
	"marchive/internal/store"
)

// Options controls one archiving run.
type Options struct {
	OutDir       string
	NoMedia      bool
	MediaWorkers int
}

// Summary reports what one room's run produced.
type Summary struct {
	Room    domain.RoomID
	Name    string
	Path    string // archive file, relative to OutDir
	Records int    // total records in the archive after the run
	Staged  int    // records staged by this run
	Stats   decrypt.Stats
}

// Service runs the archiving pipeline for one room at a time.
type Service struct {
	hs    domain.Homeserver
	pager *paginate.Service
	dec   *decrypt.Service
	media *media.Service
	opts  Options
	log   zerolog.Logger
}

// New wires the pipeline stages together.
func New(hs domain.Homeserver, pager *paginate.Service, dec *decrypt.Service, md *media.Service, opts Options, log zerolog.Logger) *Service {
	if opts.MediaWorkers <= 0 {
		opts.MediaWorkers = 4
	}
	return &Service{hs: hs, pager: pager, dec: dec, media: md, opts: opts, log: log}
}

// ArchiveRoom walks the room's history into its archive file. Safe to rerun:
// a completed room is a fast no-op, an interrupted one resumes.
func (s *Service) ArchiveRoom(ctx context.Context, room domain.RoomID) (Summary, error) {
	name, err := s.hs.RoomName(ctx, room)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve name of %s: %w", room, err)
	}
	log := s.log.With().Str("room", room.String()).Str("name", name).Logger()

	members, err := s.hs.JoinedMembers(ctx, room)
	if err != nil {
		log.Warn().Err(err).Msg("could not fetch member directory, senders will be unnamed")
		members = nil
	}

	base := sanitize(room.String())
	w, err := store.OpenWriter(filepath.Join(s.opts.OutDir, base+".jsonl"))
	if err != nil {
		return Summary{}, err
	}
	defer w.Close()
	j, err := store.OpenJournal(filepath.Join(s.opts.OutDir, base+".journal"))
	if err != nil {
		return Summary{}, err
	}
	defer j.Close()

	staged := j.Len()
	statsBefore := s.dec.Stats()
	// The journal carries a durable terminal marker from a walk that reached
	// the start of history but crashed before finalizing; only then may the
	// walk be skipped. Staged records alone prove nothing: a crash during the
	// first batch leaves records with no checkpoint line.
	if !j.Done() {
		cursor := j.Cursor()
		if cursor == "" {
			cursor, err = s.hs.PrevBatch(ctx, room)
			if err != nil {
				return Summary{}, fmt.Errorf("locate start of %s: %w", room, err)
			}
		} else {
			log.Info().Str("cursor", cursor.String()).Int("staged", staged).Msg("resuming interrupted run")
		}

		err = s.pager.Paginate(ctx, room, cursor, func(b domain.Batch) error {
			return s.processBatch(ctx, log, w, j, members, b)
		})
		if err != nil {
			return Summary{}, err
		}
		if err := j.MarkDone(); err != nil {
			return Summary{}, err
		}
	}

	stagedByRun := j.Len() - staged
	if err := j.Finalize(w); err != nil {
		return Summary{}, err
	}

	if !s.opts.NoMedia {
		s.saveAvatars(ctx, log, members)
	}

	stats := s.dec.Stats().Since(statsBefore)
	log.Info().Int("records", w.Count()).Int("staged", stagedByRun).
		Int("decrypted", stats.Decrypted).Msg("room archived")
	return Summary{
		Room:    room,
		Name:    name,
		Path:    base + ".jsonl",
		Records: w.Count(),
		Staged:  stagedByRun,
		Stats:   stats,
	}, nil
}

// processBatch turns one page of events into staged records and checkpoints
// the cursor so the batch never replays.
func (s *Service) processBatch(ctx context.Context, log zerolog.Logger, w *store.Writer, j *store.Journal, members map[domain.UserID]domain.RoomMember, b domain.Batch) error {
	records := make([]domain.ArchiveRecord, 0, len(b.Events))
	for _, ev := range b.Events {
		if w.Seen(ev.ID) || j.Seen(ev.ID) {
			continue
		}
		rec := normalize.Record(s.dec.Decrypt(ev))
		if m, ok := members[rec.Sender]; ok {
			rec.SenderName = m.DisplayName
		}
		records = append(records, rec)
	}

	if !s.opts.NoMedia {
		if err := s.resolveMedia(ctx, log, records); err != nil {
			return err
		}
	}

	for _, rec := range records {
		if err := j.Append(rec); err != nil {
			return err
		}
	}
	return j.Checkpoint(b.Next)
}

// resolveMedia downloads the batch's attachments concurrently. Each worker
// fills only its own record, so no locking is needed. A failed attachment
// keeps its record without a file; only cancellation aborts the batch.
func (s *Service) resolveMedia(ctx context.Context, log zerolog.Logger, records []domain.ArchiveRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MediaWorkers)
	for i := range records {
		if records[i].MediaRef == nil {
			continue
		}
		rec := &records[i]
		g.Go(func() error {
			f, err := s.media.Resolve(gctx, rec.MediaRef, rec.Timestamp)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("event", rec.EventID.String()).Msg("attachment not recovered")
				return nil
			}
			rec.Media = f
			return nil
		})
	}
	return g.Wait()
}

// saveAvatars stores current members' avatars alongside the archive.
// Best-effort: a failed avatar never fails the run.
func (s *Service) saveAvatars(ctx context.Context, log zerolog.Logger, members map[domain.UserID]domain.RoomMember) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MediaWorkers)
	for user, m := range members {
		if m.AvatarURL == "" {
			continue
		}
		url := m.AvatarURL
		g.Go(func() error {
			if _, err := s.media.SaveAvatar(gctx, user, url); err != nil {
				log.Warn().Err(err).Str("user", user.String()).Msg("avatar not saved")
			}
			return nil
		})
	}
	g.Wait()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// Package usage builds and reads the append-only audit log of metered calls.
package usage

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

// DefaultPreviewRunes bounds the stored input/output previews.
const DefaultPreviewRunes = 200

// ErrAlreadySettled is returned by Record when the reservation was already
// committed or released, so no entry was written.
var ErrAlreadySettled = errors.New("usage: reservation already settled")

// Committer finalizes a reservation and appends its entry atomically.
type Committer interface {
	Commit(ctx context.Context, token string, entry models.UsageEntry) (bool, error)
}

// Reader lists audit entries.
type Reader interface {
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageEntry, error)
}

// Recorder writes one entry per committed reservation.
type Recorder struct {
	committer    Committer
	reader       Reader
	previewRunes int
	now          func() time.Time
	logger       logrus.FieldLogger
}

// NewRecorder wires a Recorder. previewRunes <= 0 selects DefaultPreviewRunes.
func NewRecorder(committer Committer, reader Reader, previewRunes int, logger logrus.FieldLogger) *Recorder {
	if previewRunes <= 0 {
		previewRunes = DefaultPreviewRunes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{
		committer:    committer,
		reader:       reader,
		previewRunes: previewRunes,
		now:          time.Now,
		logger:       logger.WithField("component", "usage"),
	}
}

// Entry builds the audit row for a completed call. The charged amount and
// owner are filled from the reservation by the store at commit time.
func (r *Recorder) Entry(res models.Reservation, input, output string) models.UsageEntry {
	return models.UsageEntry{
		ReservationToken: res.Token,
		UserID:           res.UserID,
		ToolName:         res.ToolName,
		CreditsCharged:   res.Amount,
		InputPreview:     Preview(input, r.previewRunes),
		OutputPreview:    Preview(output, r.previewRunes),
		OccurredAt:       r.now().UTC(),
	}
}

// Record commits res and appends its entry. It returns ErrAlreadySettled when
// the reservation was no longer pending.
func (r *Recorder) Record(ctx context.Context, res models.Reservation, input, output string) (models.UsageEntry, error) {
	entry := r.Entry(res, input, output)
	committed, err := r.committer.Commit(ctx, res.Token, entry)
	if err != nil {
		return models.UsageEntry{}, err
	}
	if !committed {
		r.logger.WithFields(logrus.Fields{"token": res.Token, "user_id": res.UserID}).Warn("reservation settled before commit")
		return models.UsageEntry{}, ErrAlreadySettled
	}
	return entry, nil
}

// History returns the most recent entries for userID, newest first.
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]models.UsageEntry, error) {
	entries, err := r.reader.ListUsage(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.UsageEntry{}
	}
	return entries, nil
}

// Preview truncates s to at most n runes, marking the cut with an ellipsis.
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n == 1 {
		return string(runes[:1])
	}
	return string(runes[:n-1]) + "…"
}

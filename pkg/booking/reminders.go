package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const ratingPromptLookback = 7 * 24 * time.Hour

type reminderWindow struct {
	kind  ReminderKind
	lower time.Duration
	upper time.Duration
}

// SendDueReminders notifies both participants of confirmed sessions entering a
// reminder window. Each (booking, kind) pair is sent at most once.
func (service *Service) SendDueReminders(ctx context.Context) (int, error) {
	now := service.nowFn()
	sent := 0
	var failures []error
	for _, window := range reminderWindows(service.policy.ReminderOffsets) {
		upcoming, err := service.store.ListConfirmedStartingBetween(ctx, now.Add(window.lower), now.Add(window.upper))
		if err != nil {
			failures = append(failures, err)
			continue
		}
		for _, candidate := range upcoming {
			first, err := service.store.MarkReminderSent(ctx, candidate.ID, window.kind, now)
			if err != nil {
				failures = append(failures, fmt.Errorf("booking %s: %w", candidate.ID, err))
				continue
			}
			if !first {
				continue
			}
			sent++
			for _, participant := range []string{candidate.StudentID, candidate.TutorID} {
				notify(ctx, service.settings, Notification{
					UserID: participant,
					Type:   NotificationSessionReminder,
					Title:  "Upcoming session",
					Body:   fmt.Sprintf("Your session starts in %s.", candidate.SessionStart.Sub(now).Round(time.Minute)),
					Data:   mergeData(bookingData(candidate), "reminder", string(window.kind)),
				})
			}
		}
	}
	operationError := errors.Join(failures...)
	if sent > 0 || operationError != nil {
		logOperation(ctx, service.logger, OperationLog{Operation: operationReminder, Detail: fmt.Sprintf("sent=%d", sent), Error: operationError})
	}
	return sent, operationError
}

// SendRatingPrompts asks students of recently completed, unrated sessions for a rating.
func (service *Service) SendRatingPrompts(ctx context.Context) (int, error) {
	now := service.nowFn()
	completed, err := service.store.ListCompletedSince(ctx, now.Add(-ratingPromptLookback))
	if err != nil {
		return 0, err
	}
	sent := 0
	var failures []error
	for _, candidate := range completed {
		if candidate.StudentRating != nil {
			continue
		}
		first, err := service.store.MarkReminderSent(ctx, candidate.ID, ReminderRateSession, now)
		if err != nil {
			failures = append(failures, fmt.Errorf("booking %s: %w", candidate.ID, err))
			continue
		}
		if !first {
			continue
		}
		sent++
		notify(ctx, service.settings, Notification{
			UserID: candidate.StudentID,
			Type:   NotificationRatingRequest,
			Title:  "How was your session?",
			Body:   "Rate your tutor to help other students.",
			Data:   bookingData(candidate),
		})
	}
	operationError := errors.Join(failures...)
	if sent > 0 || operationError != nil {
		logOperation(ctx, service.logger, OperationLog{Operation: operationReminder, Detail: fmt.Sprintf("rating_prompts=%d", sent), Error: operationError})
	}
	return sent, operationError
}

// reminderWindows turns offsets into disjoint (lower, upper] windows so a session
// only receives the most specific reminder it qualifies for.
func reminderWindows(offsets map[ReminderKind]time.Duration) []reminderWindow {
	windows := make([]reminderWindow, 0, len(offsets))
	for kind, offset := range offsets {
		if offset > 0 {
			windows = append(windows, reminderWindow{kind: kind, upper: offset})
		}
	}
	sort.Slice(windows, func(left, right int) bool {
		return windows[left].upper < windows[right].upper
	})
	for index := 1; index < len(windows); index++ {
		windows[index].lower = windows[index-1].upper
	}
	return windows
}

func mergeData(data map[string]string, key string, value string) map[string]string {
	data[key] = value
	return data
}

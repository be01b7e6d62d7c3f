package handlers

import (
	"context"
	"errors"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/notify"
)

// EmailHandler returns the send_notification handler.
func EmailHandler(mailer notify.Mailer) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		to := j.PayloadString("to")
		if to == "" {
			return errors.New("missing 'to' field")
		}

		subject := j.PayloadString("subject")
		if subject == "" {
			return errors.New("missing 'subject' field")
		}

		body := j.PayloadString("body")
		if body == "" {
			return errors.New("missing 'body' field")
		}

		return mailer.Send(ctx, to, subject, body)
	}
}

package hitl

import (
	"context"

	"github.com/deepyad/helpdesk/internal/logging"
)

// EmailHandler notifies the support team of escalations. Without an SMTP
// integration it logs the notification; the recipient is configured via
// hitl_email_to.
type EmailHandler struct {
	emailTo string
	logger  *logging.Logger
}

// NewEmailHandler creates an email-notify handler.
func NewEmailHandler(emailTo string) *EmailHandler {
	return &EmailHandler{
		emailTo: emailTo,
		logger:  logging.GetLogger("hitl.email"),
	}
}

// OnEscalate implements Handler.
func (h *EmailHandler) OnEscalate(_ context.Context, ec EscalationContext) error {
	if h.emailTo != "" {
		h.logger.InfoWithFields("escalation notification",
			logging.Field("to", h.emailTo),
			logging.Field("session_id", ec.SessionID),
			logging.Field("user_id", ec.UserID),
			logging.Field("reason", ec.Reason),
		)
	} else {
		h.logger.InfoWithFields("escalation (no email recipient configured)",
			logging.Field("session_id", ec.SessionID),
			logging.Field("reason", ec.Reason),
		)
	}
	return nil
}

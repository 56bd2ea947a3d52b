// Package notify abstracts multi-channel push delivery. Destinations are
// per-user service URLs; one send fans out to every URL and succeeds only
// when every channel accepted the message.
package notify

import (
	"context"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/serieswatch/serieswatch-go/internal/errors"
	"github.com/serieswatch/serieswatch-go/internal/logging"
)

// Message is one notification to deliver.
type Message struct {
	Title       string
	Body        string
	Attachments []string // image URLs, appended to the body for services without attachment support
}

// Sender delivers a message to a set of destination URLs. An error means the
// delivery cannot be considered successful; dedup state must not advance.
type Sender interface {
	Send(ctx context.Context, urls []string, msg *Message) error
}

// ShoutrrrSender is the production Sender, fanning out through shoutrrr's
// service router.
type ShoutrrrSender struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewShoutrrrSender creates a sender with the given per-send timeout.
func NewShoutrrrSender(timeout time.Duration) *ShoutrrrSender {
	return &ShoutrrrSender{
		timeout: timeout,
		logger:  logging.ForService("notify"),
	}
}

// Send builds a router for the destination URLs and pushes the message to all
// of them. The first channel error is returned.
func (s *ShoutrrrSender) Send(ctx context.Context, urls []string, msg *Message) error {
	if len(urls) == 0 {
		return errors.NewStd("no notification urls configured")
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return errors.Newf("creating notification sender: %w", err).
			Component("notify").
			Category(errors.CategoryNotification).
			Build()
	}
	if s.timeout > 0 {
		sender.Timeout = s.timeout
	}
	// Shoutrrr's own logger is too chatty for a daemon.
	sender.SetLogger(log.New(io.Discard, "", 0))

	body := msg.Body
	if len(msg.Attachments) > 0 {
		body = body + "\n" + strings.Join(msg.Attachments, "\n")
	}
	params := stypes.Params{}
	if msg.Title != "" {
		params.SetTitle(msg.Title)
	}

	errs := sender.Send(body, &params)
	for _, e := range errs {
		if e != nil {
			return errors.Newf("notification delivery failed: %w", e).
				Component("notify").
				Category(errors.CategoryNotification).
				Context("channels", len(urls)).
				Build()
		}
	}

	s.logger.Debug("notification delivered", "channels", len(urls), "title", msg.Title)
	return nil
}

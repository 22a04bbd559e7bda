// Copyright 2025 The lilac Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mail delivers build reports to maintainers over SMTP.
package mail

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	gomail "github.com/wneessen/go-mail"

	"github.com/lilac-dev/lilac/pkg/config"
)

const (
	// Bodies above maxBodySize are cut down to the first and last
	// truncatedPart bytes with a notice in between.
	maxBodySize   = 5 << 20
	truncatedPart = 1 << 20

	truncationNotice = "\n\nLog is quite long and omitted.\n\n"
)

// Sender delivers one plain-text mail. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Service sends tagged mail from the bot's address. When send_email is
// off it logs the subject and drops the body.
type Service struct {
	cfg       config.SMTP
	tag       string
	fromName  string
	fromAddr  string
	unsub     string
	sendEmail bool
}

var _ Sender = (*Service)(nil)

// NewService builds a mail service from the bot configuration.
func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg:       cfg.SMTP,
		tag:       cfg.Lilac.Name,
		fromName:  cfg.Lilac.Name,
		fromAddr:  cfg.Lilac.Email,
		unsub:     cfg.Lilac.UnsubscribeAddress,
		sendEmail: cfg.Lilac.SendEmail,
	}
}

// Send delivers one mail to the given addresses. The subject is tagged
// with the bot name and over-long bodies are truncated in the middle.
func (s *Service) Send(ctx context.Context, to []string, subject, body string) error {
	log := clog.FromContext(ctx)
	if !s.sendEmail {
		log.Infof("send_email is off, dropping mail to %v: %s", to, subject)
		return nil
	}

	msg, err := s.assemble(to, subject, body)
	if err != nil {
		return err
	}

	client, err := s.connect()
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %v: %w", to, err)
	}
	return nil
}

func (s *Service) connect() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if s.cfg.Port != 0 {
		opts = append(opts, gomail.WithPort(s.cfg.Port))
	}
	if s.cfg.UseSSL {
		opts = append(opts, gomail.WithSSLPort(false))
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	return gomail.NewClient(s.cfg.Host, opts...)
}

func (s *Service) assemble(to []string, subject, body string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromAddr); err != nil {
		return nil, err
	}
	if err := msg.To(to...); err != nil {
		return nil, err
	}
	msg.Subject(fmt.Sprintf("[%s] %s", s.tag, subject))
	msg.SetBodyString(gomail.TypeTextPlain, Truncate(body))
	if s.unsub != "" {
		msg.SetGenHeader(gomail.HeaderListUnsubscribe,
			fmt.Sprintf("<mailto:%s?subject=unsubscribe>", s.unsub))
	}
	return msg, nil
}

// Truncate cuts bodies above 5 MiB down to the first and last MiB.
func Truncate(body string) string {
	if len(body) <= maxBodySize {
		return body
	}
	return body[:truncatedPart] + truncationNotice + body[len(body)-truncatedPart:]
}

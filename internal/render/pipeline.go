// Package render turns a sequence step into a deliverable, tracked email.
package render

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/mail"
	"github.com/lalithlochan/dripmail/internal/metrics"
	"github.com/lalithlochan/dripmail/internal/tracking"
)

// PixelAltText is the alt text of the open-tracking pixel.
const PixelAltText = "pixel"

// SiteConfig describes how tenant site URLs are formed.
type SiteConfig struct {
	Scheme     string
	BaseDomain string
}

// SiteURL returns the public base URL of a tenant.
func SiteURL(d *db.Domain, cfg SiteConfig) string {
	if d.CustomDomain != "" {
		return "https://" + d.CustomDomain
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, d.Name, cfg.BaseDomain)
}

// Input is everything needed to compose one email for one recipient.
type Input struct {
	Domain     *db.Domain
	SequenceID uuid.UUID
	Email      db.Email
	Recipient  *db.User
	Creator    *db.User
}

// Composer builds tracked messages.
type Composer struct {
	codec  *tracking.Codec
	site   SiteConfig
	logger *zap.Logger
}

// NewComposer creates a composer signing tracking links with codec
func NewComposer(codec *tracking.Codec, site SiteConfig, logger *zap.Logger) *Composer {
	return &Composer{
		codec:  codec,
		site:   site,
		logger: logger,
	}
}

// Compose renders in.Email for in.Recipient: it adds the open pixel,
// renders the blocks, substitutes merge variables and rewrites links for
// click tracking. Link rewriting is best effort; on failure the message is
// sent with its original links.
func (c *Composer) Compose(in Input) (*mail.Message, error) {
	siteURL := SiteURL(in.Domain, c.site)
	target := tracking.Target{
		RecipientID: in.Recipient.ID,
		SequenceID:  in.SequenceID,
		EmailID:     in.Email.EmailID,
	}

	pixelURL, err := c.codec.OpenURL(siteURL, target)
	if err != nil {
		return nil, fmt.Errorf("open tracking url: %w", err)
	}

	content := in.Email.Content
	content.Content = append(append([]db.Block(nil), content.Content...), db.Block{
		BlockType: BlockImage,
		Settings: map[string]interface{}{
			"src":    pixelURL,
			"width":  "1px",
			"height": "1px",
			"alt":    PixelAltText,
		},
	})

	doc, err := RenderContent(in.Email.Subject, content)
	if err != nil {
		return nil, fmt.Errorf("render content: %w", err)
	}

	vars := Vars{
		VarSubscriberEmail: in.Recipient.Email,
		VarSubscriberName:  in.Recipient.Name,
		VarSubscriberTags:  strings.Join(in.Recipient.Tags, ", "),
		VarAddress:         in.Domain.MailingAddress,
		VarUnsubscribeLink: tracking.UnsubscribeURL(siteURL, in.Recipient.UnsubscribeToken),
	}

	merged, err := Merge(doc, vars, true)
	if err != nil {
		c.logger.Warn("merge tags left unresolved",
			zap.String("sequence_id", in.SequenceID.String()),
			zap.String("email_id", in.Email.EmailID),
			zap.Error(err),
		)
		merged = doc
	}

	subject, err := Merge(in.Email.Subject, vars, false)
	if err != nil {
		subject = in.Email.Subject
	}

	body, err := RewriteLinks(merged, siteURL, func(index int, href string) (string, error) {
		return c.codec.ClickURL(siteURL, target, index, href)
	})
	if err != nil {
		c.logger.Warn("click tracking disabled for message",
			zap.String("sequence_id", in.SequenceID.String()),
			zap.String("email_id", in.Email.EmailID),
			zap.Error(err),
		)
		metrics.RecordLinkRewriteFallback()
		body = merged
	}

	return &mail.Message{
		From:    FromAddress(in.Creator),
		To:      in.Recipient.Email,
		Subject: subject,
		HTML:    body,
	}, nil
}

// FromAddress formats the creator as "<name or email> <email>".
func FromAddress(creator *db.User) string {
	name := creator.Name
	if name == "" {
		name = creator.Email
	}
	return fmt.Sprintf("%s <%s>", name, creator.Email)
}

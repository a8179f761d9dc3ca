// Package extract turns Venmo "paid you" notification emails into
// payment events.
//
// The notification HTML is not a published format, so every structural
// assumption about it is checked. A notification that deviates anywhere
// produces a *Rejection naming the failed step instead of a guess.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/tracyhatemice/payrelay/internal/mailbox"
	"github.com/tracyhatemice/payrelay/internal/payment"
)

// ErrNotPayment is returned by Extract for messages whose subject is not
// a payment notification. Callers should ignore these quietly.
var ErrNotPayment = errors.New("not a payment notification")

var subjectRe = regexp.MustCompile(`^(.+) paid you \$([0-9]+)\.([0-9]{2})$`)

// Rejection reports the validation step a candidate notification failed.
type Rejection struct {
	Step string
	Err  error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.Step, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Extractor validates notification bodies. The zero value is not usable;
// call New.
type Extractor struct {
	imageHosts []string
	separators []string
}

// New returns an Extractor with the known profile-image hosts and
// date separators.
func New() *Extractor {
	return &Extractor{
		imageHosts: []string{
			"https://pics.venmo.com/",
			"https://s3.amazonaws.com/venmo/",
		},
		// The template's UTF-8 middle dot decodes to " · " when the part
		// declares utf-8. Parts labelled iso-8859-1 that still carry
		// UTF-8 bytes decode to " Â· ".
		separators: []string{" · ", " Â· "},
	}
}

// IsCandidate reports whether subject looks like "<name> paid you $X.YY".
func (e *Extractor) IsCandidate(subject string) bool {
	return subjectRe.MatchString(subject)
}

// Extract returns the payment described by msg. It returns ErrNotPayment
// when the subject does not match and a *Rejection when the body does not
// have the expected shape.
func (e *Extractor) Extract(msg *mailbox.Message) (payment.Event, error) {
	if !e.IsCandidate(msg.Subject) {
		return payment.Event{}, ErrNotPayment
	}
	html, err := HTMLBody(msg.Source)
	if err != nil {
		return payment.Event{}, &Rejection{Step: StepMIME, Err: err}
	}
	return e.Parse(html)
}

// Parse runs the validation steps over a notification's HTML body.
func (e *Extractor) Parse(html []byte) (payment.Event, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return payment.Event{}, &Rejection{Step: StepMIME, Err: fmt.Errorf("parse html: %w", err)}
	}

	st := &state{ex: e, doc: doc}
	for _, s := range steps {
		if err := s.run(st); err != nil {
			return payment.Event{}, &Rejection{Step: s.name, Err: err}
		}
	}
	return st.ev, nil
}

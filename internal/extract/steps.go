package extract

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tracyhatemice/payrelay/internal/payment"
)

// Step names, in pipeline order.
const (
	StepMIME         = "mime"
	StepStory        = "story"
	StepProfileImage = "profile-image"
	StepUserLinks    = "user-links"
	StepVerb         = "verb"
	StepReceiver     = "receiver"
	StepUserIDs      = "user-ids"
	StepDescription  = "description"
	StepDateLabel    = "date-amount-label"
	StepDate         = "date"
	StepSeparator    = "separator"
	StepPrivacy      = "privacy"
	StepAmount       = "amount"
	StepButtons      = "buttons"
	StepPaymentID    = "payment-id"
)

const (
	profileLinkSel = `a[href^="https://venmo.com/code"]`
	storyLinkSel   = `a[href^="https://venmo.com/story/"]`
	cashOutSel     = `a[href="https://venmo.com/cash_out"]`
)

var (
	digitsRe    = regexp.MustCompile(`^[0-9]+$`)
	amountRe    = regexp.MustCompile(`^\+ \$([0-9]+)\.([0-9]{2})$`)
	paymentIDRe = regexp.MustCompile(`^Payment ID: ([0-9]+)$`)
)

// state carries the nodes located so far from one step to the next.
type state struct {
	ex  *Extractor
	doc *goquery.Document

	story     *goquery.Selection
	firstRow  *goquery.Selection
	descCell  *goquery.Selection
	links     *goquery.Selection
	amountRow *goquery.Selection
	dateEl    *goquery.Selection
	separator *goquery.Selection
	privacy   *goquery.Selection

	ev payment.Event
}

type step struct {
	name string
	run  func(*state) error
}

var steps = []step{
	{StepStory, findStory},
	{StepProfileImage, checkProfileImage},
	{StepUserLinks, findUserLinks},
	{StepVerb, checkVerb},
	{StepReceiver, checkReceiver},
	{StepUserIDs, readUserIDs},
	{StepDescription, readDescription},
	{StepDateLabel, checkDateLabel},
	{StepDate, readDate},
	{StepSeparator, checkSeparator},
	{StepPrivacy, readPrivacy},
	{StepAmount, readAmount},
	{StepButtons, readButtons},
	{StepPaymentID, readPaymentID},
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

func findStory(st *state) error {
	story := st.doc.Find("table#_story")
	if story.Length() != 1 {
		return fmt.Errorf("expected 1 story table, found %d", story.Length())
	}
	st.story = story
	return nil
}

func checkProfileImage(st *state) error {
	row := st.story.Find("tr").First()
	if row.Length() == 0 {
		return fmt.Errorf("story table has no rows")
	}
	imgs := row.Find(profileLinkSel + " > img")
	if imgs.Length() != 1 {
		return fmt.Errorf("expected 1 profile image, found %d", imgs.Length())
	}
	src, _ := imgs.Attr("src")
	trusted := slices.ContainsFunc(st.ex.imageHosts, func(prefix string) bool {
		return strings.HasPrefix(src, prefix)
	})
	if !trusted {
		return fmt.Errorf("unexpected picture url %q", src)
	}

	cell := imgs.Closest("td")
	if cell.Length() == 0 {
		return fmt.Errorf("profile image is not inside a cell")
	}
	desc := cell.Next()
	if desc.Length() == 0 {
		return fmt.Errorf("no cell after profile image")
	}
	st.firstRow = row
	st.descCell = desc
	return nil
}

func findUserLinks(st *state) error {
	links := st.descCell.Find(profileLinkSel)
	if links.Length() != 2 {
		return fmt.Errorf("expected 2 users, found %d", links.Length())
	}
	st.links = links
	st.ev.SenderName = text(links.Eq(0))
	if st.ev.SenderName == "" {
		return fmt.Errorf("empty sender name")
	}
	return nil
}

func checkVerb(st *state) error {
	between := st.links.Eq(0).Next()
	before := st.links.Eq(1).Prev()
	if between.Length() == 0 || before.Length() == 0 || between.Get(0) != before.Get(0) {
		return fmt.Errorf("expected 1 element between users")
	}
	if verb := text(between); verb != "paid" {
		return fmt.Errorf("unexpected verb %q", verb)
	}
	return nil
}

func checkReceiver(st *state) error {
	if name := text(st.links.Eq(1)); name != "You" {
		return fmt.Errorf("expected \"You\" to receive money, found %q", name)
	}
	return nil
}

func userID(link *goquery.Selection) (string, error) {
	href, _ := link.Attr("href")
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse user url %q: %w", href, err)
	}
	id := u.Query().Get("user_id")
	if !digitsRe.MatchString(id) {
		return "", fmt.Errorf("could not get user id from url %q", href)
	}
	return id, nil
}

func readUserIDs(st *state) error {
	var err error
	if st.ev.SenderID, err = userID(st.links.Eq(0)); err != nil {
		return err
	}
	if st.ev.ReceiverID, err = userID(st.links.Eq(1)); err != nil {
		return err
	}
	return nil
}

func readDescription(st *state) error {
	p := st.descCell.Find("div > p").First()
	if p.Length() == 0 {
		return fmt.Errorf("description paragraph not found")
	}
	st.ev.Description = text(p)
	return nil
}

func checkDateLabel(st *state) error {
	label := st.firstRow.Next()
	if got := text(label); got != "Transfer Date and Amount:" {
		return fmt.Errorf("unexpected date/amount text %q", got)
	}
	st.amountRow = label.Next()
	return nil
}

func readDate(st *state) error {
	el := st.amountRow.Find("td > span").First()
	if el.Length() == 0 {
		return fmt.Errorf("date not found")
	}
	st.ev.Date = text(el)
	if st.ev.Date == "" {
		return fmt.Errorf("empty date")
	}
	st.dateEl = el
	return nil
}

func checkSeparator(st *state) error {
	sep := st.dateEl.Next()
	if sep.Length() == 0 {
		return fmt.Errorf("separator not found")
	}
	// Compared untrimmed: the surrounding spaces are part of the template.
	if got := sep.Text(); !slices.Contains(st.ex.separators, got) {
		return fmt.Errorf("unexpected separator text %q", got)
	}
	st.separator = sep
	return nil
}

func readPrivacy(st *state) error {
	img := st.separator.Next()
	if img.Length() == 0 || goquery.NodeName(img) != "img" {
		return fmt.Errorf("privacy image not found")
	}
	alt, ok := img.Attr("alt")
	if !ok {
		return fmt.Errorf("privacy image has no alt text")
	}
	st.ev.Privacy = alt
	st.privacy = img
	return nil
}

func readAmount(st *state) error {
	amount := text(st.privacy.Next())
	m := amountRe.FindStringSubmatch(amount)
	if m == nil {
		return fmt.Errorf("unexpected payment amount string %q", amount)
	}
	dollars, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || dollars > (math.MaxInt64-99)/100 {
		return fmt.Errorf("payment amount out of range %q", amount)
	}
	cents, _ := strconv.ParseInt(m[2], 10, 64)
	st.ev.AmountCents = dollars*100 + cents
	return nil
}

func readButtons(st *state) error {
	buttons := st.amountRow.Next().Find(storyLinkSel)
	if buttons.Length() != 2 {
		return fmt.Errorf("expected 2 story buttons, found %d", buttons.Length())
	}
	like, comment := buttons.Eq(0), buttons.Eq(1)
	if got := text(like); got != "Like" {
		return fmt.Errorf("unexpected like button %q", got)
	}
	if got := text(comment); got != "Comment" {
		return fmt.Errorf("unexpected comment button %q", got)
	}
	st.ev.LikeURL, _ = like.Attr("href")
	st.ev.CommentsURL, _ = comment.Attr("href")
	return nil
}

func readPaymentID(st *state) error {
	link := st.story.Next().Find(cashOutSel).First()
	if link.Length() == 0 {
		return fmt.Errorf("cash out link not found")
	}
	idText := text(link.Next())
	m := paymentIDRe.FindStringSubmatch(idText)
	if m == nil {
		return fmt.Errorf("unexpected payment id text %q", idText)
	}
	st.ev.PaymentID = m[1]
	return nil
}

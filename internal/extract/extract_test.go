package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/tracyhatemice/payrelay/internal/mailbox"
	"github.com/tracyhatemice/payrelay/internal/payment"
)

const storyHTML = `<html><body>
<table id="_story">
  <tr>
    <td><a href="https://venmo.com/code?user_id=1111"><img src="https://pics.venmo.com/alice.jpg"></a></td>
    <td>
      <a href="https://venmo.com/code?user_id=1111">Alice Smith</a>
      <span>paid</span>
      <a href="https://venmo.com/code?user_id=2222">You</a>
      <div><p> Pizza night </p></div>
    </td>
  </tr>
  <tr><td>Transfer Date and Amount:</td></tr>
  <tr><td><span>Oct 16, 2026 PDT</span><span> · </span><img src="https://venmo.com/private.png" alt="private"><span>+ $12.34</span></td></tr>
  <tr><td><a href="https://venmo.com/story/abc?k=like">Like</a> <a href="https://venmo.com/story/abc?k=comment">Comment</a></td></tr>
</table>
<div><a href="https://venmo.com/cash_out">Transfer to bank</a><span>Payment ID: 3141592653</span></div>
</body></html>`

func rawMessage(html string) []byte {
	return rawMessageCharset(html, "utf-8")
}

func rawMessageCharset(html, charset string) []byte {
	return []byte("From: Venmo <venmo@venmo.com>\r\n" +
		"Subject: Alice Smith paid you $12.34\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Alice Smith paid you $12.34\r\n" +
		"--b1\r\n" +
		"Content-Type: text/html; charset=" + charset + "\r\n" +
		"\r\n" +
		strings.ReplaceAll(html, "\n", "\r\n") + "\r\n" +
		"--b1--\r\n")
}

func wantEvent() payment.Event {
	return payment.Event{
		SenderName:  "Alice Smith",
		SenderID:    "1111",
		ReceiverID:  "2222",
		Description: "Pizza night",
		Date:        "Oct 16, 2026 PDT",
		Privacy:     "private",
		AmountCents: 1234,
		LikeURL:     "https://venmo.com/story/abc?k=like",
		CommentsURL: "https://venmo.com/story/abc?k=comment",
		PaymentID:   "3141592653",
	}
}

func TestExtractPayment(t *testing.T) {
	msg := &mailbox.Message{
		SeqNum:  7,
		From:    "venmo@venmo.com",
		Subject: "Alice Smith paid you $12.34",
		Source:  rawMessage(storyHTML),
	}
	ev, err := New().Extract(msg)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ev != wantEvent() {
		t.Fatalf("event = %+v\nwant    %+v", ev, wantEvent())
	}
}

func TestExtractIgnoresOtherSubjects(t *testing.T) {
	for _, subject := range []string{
		"You paid Alice Smith $12.34",
		"Alice Smith paid you $12.3",
		"Alice Smith requests $12.34",
		"",
	} {
		msg := &mailbox.Message{Subject: subject, Source: rawMessage(storyHTML)}
		if _, err := New().Extract(msg); !errors.Is(err, ErrNotPayment) {
			t.Fatalf("subject %q: err = %v, want ErrNotPayment", subject, err)
		}
	}
}

func TestParseIsDeterministic(t *testing.T) {
	ex := New()
	a, errA := ex.Parse([]byte(storyHTML))
	b, errB := ex.Parse([]byte(storyHTML))
	if errA != nil || errB != nil || a != b {
		t.Fatalf("runs differ: %+v %v / %+v %v", a, errA, b, errB)
	}
}

func TestParseAcceptsDoubleEncodedSeparator(t *testing.T) {
	html := strings.Replace(storyHTML, "<span> · </span>", "<span> Â· </span>", 1)
	if _, err := New().Parse([]byte(html)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestExtractMislabelledLatin1Part(t *testing.T) {
	msg := &mailbox.Message{
		Subject: "Alice Smith paid you $12.34",
		Source:  rawMessageCharset(storyHTML, "iso-8859-1"),
	}
	html, err := HTMLBody(msg.Source)
	if err != nil {
		t.Fatalf("HTMLBody: %v", err)
	}
	if !strings.Contains(string(html), " Â· ") {
		t.Fatalf("latin-1 decoding did not double-encode the separator")
	}
	ev, err := New().Extract(msg)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ev != wantEvent() {
		t.Fatalf("event = %+v", ev)
	}
}

func TestParseAcceptsS3ProfileImage(t *testing.T) {
	html := strings.Replace(storyHTML, "https://pics.venmo.com/alice.jpg", "https://s3.amazonaws.com/venmo/alice.jpg", 1)
	if _, err := New().Parse([]byte(html)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		step     string
	}{
		{"no story table", `id="_story"`, `id="story"`, StepStory},
		{"untrusted image host", "https://pics.venmo.com/alice.jpg", "https://evil.example.com/alice.jpg", StepProfileImage},
		{"third user link", `<div><p>`, `<a href="https://venmo.com/code?user_id=3">Carol</a><div><p>`, StepUserLinks},
		{"wrong verb", "<span>paid</span>", "<span>charged</span>", StepVerb},
		{"two elements between users", "<span>paid</span>", "<span>paid</span><b>!</b>", StepVerb},
		{"outgoing payment", ">You</a>", ">Bob</a>", StepReceiver},
		{"non-numeric user id", "user_id=2222", "user_id=bob", StepUserIDs},
		{"missing description", "<div><p> Pizza night </p></div>", "", StepDescription},
		{"wrong date label", "Transfer Date and Amount:", "Date:", StepDateLabel},
		{"separator differs", "<span> · </span>", "<span> - </span>", StepSeparator},
		{"separator trimmed", "<span> · </span>", "<span>·</span>", StepSeparator},
		{"privacy alt missing", ` alt="private"`, "", StepPrivacy},
		{"negative amount", "+ $12.34", "- $12.34", StepAmount},
		{"three decimals", "+ $12.34", "+ $12.345", StepAmount},
		{"wrong like label", ">Like</a>", ">Love</a>", StepButtons},
		{"buttons swapped", ">Like</a> <a href=\"https://venmo.com/story/abc?k=comment\">Comment</a>", ">Comment</a> <a href=\"https://venmo.com/story/abc?k=comment\">Like</a>", StepButtons},
		{"payment id text", "Payment ID: 3141592653", "Payment: 3141592653", StepPaymentID},
		{"no cash out link", "https://venmo.com/cash_out", "https://venmo.com/cash", StepPaymentID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html := strings.Replace(storyHTML, tt.old, tt.new, 1)
			if html == storyHTML {
				t.Fatalf("fixture does not contain %q", tt.old)
			}
			ev, err := New().Parse([]byte(html))
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("err = %v, want *Rejection", err)
			}
			if rej.Step != tt.step {
				t.Fatalf("step = %q (%v), want %q", rej.Step, rej.Err, tt.step)
			}
			if ev != (payment.Event{}) {
				t.Fatalf("partial event returned: %+v", ev)
			}
		})
	}
}

func TestExtractWithoutHTMLPart(t *testing.T) {
	msg := &mailbox.Message{
		Subject: "Alice Smith paid you $12.34",
		Source:  []byte("Subject: Alice Smith paid you $12.34\r\nContent-Type: text/plain\r\n\r\nhello\r\n"),
	}
	_, err := New().Extract(msg)
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Step != StepMIME {
		t.Fatalf("err = %v, want mime rejection", err)
	}
}

func TestHTMLBodySinglePart(t *testing.T) {
	raw := []byte("Subject: x\r\nContent-Type: text/html; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n<p>a=3Db</p>\r\n")
	body, err := HTMLBody(raw)
	if err != nil {
		t.Fatalf("HTMLBody: %v", err)
	}
	if !strings.Contains(string(body), "<p>a=b</p>") {
		t.Fatalf("body = %q", body)
	}
}

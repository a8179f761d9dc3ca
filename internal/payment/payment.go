// Package payment defines the incoming-payment record produced from a
// notification email and delivered to subscribers.
package payment

// Event is a fully validated incoming payment. Every field is set; an
// Event is never built from a partially understood notification.
type Event struct {
	SenderName  string `json:"senderName"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Privacy     string `json:"privacy"`
	AmountCents int64  `json:"amountCents"`
	LikeURL     string `json:"likeUrl"`
	CommentsURL string `json:"commentsUrl"`
	PaymentID   string `json:"paymentId"`
}

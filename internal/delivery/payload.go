package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// CardPayload is the interactive-card message accepted by the webhook.
//
// Timestamp and Sign are only set when a signing secret is configured.
type CardPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
	Sign      string `json:"sign,omitempty"`
	MsgType   string `json:"msg_type"`
	Card      Card   `json:"card"`
}

type Card struct {
	Config   CardConfig    `json:"config"`
	Elements []CardElement `json:"elements"`
	Header   CardHeader    `json:"header"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type CardElement struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type CardHeader struct {
	Title CardText `json:"title"`
}

type CardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// NewMarkdownCard wraps a markdown document in a single-element card.
func NewMarkdownCard(title, markdown string) CardPayload {
	return CardPayload{
		MsgType: "interactive",
		Card: Card{
			Config:   CardConfig{WideScreenMode: true},
			Elements: []CardElement{{Tag: "markdown", Content: markdown}},
			Header:   CardHeader{Title: CardText{Tag: "plain_text", Content: title}},
		},
	}
}

// Signature computes the webhook signature for a unix-seconds timestamp:
// base64(HMAC-SHA256(key = timestamp + "\n" + secret, message = "")).
func Signature(timestamp int64, secret string) string {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	mac := hmac.New(sha256.New, []byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signed returns a copy of p carrying a fresh timestamp and signature.
func (p CardPayload) signed(secret string, now time.Time) CardPayload {
	if secret == "" {
		return p
	}
	ts := now.Unix()
	p.Timestamp = strconv.FormatInt(ts, 10)
	p.Sign = Signature(ts, secret)
	return p
}

package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook. The initial response carries the bearer token; an error challenge
// is answered with an empty response so the server reports the failure as a
// tagged NO.
type xoauth2Client struct {
	username string
	token    string
	failed   bool
}

// NewXOAuth2Client returns a sasl.Client speaking XOAUTH2
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.failed {
		return nil, fmt.Errorf("XOAUTH2 authentication rejected: %s", challenge)
	}
	// The server sent a JSON error blob; acknowledge with an empty line.
	c.failed = true
	return []byte{}, nil
}

package session

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook IMAP endpoints.
type xoauth2Client struct {
	username    string
	accessToken string
	done        bool
}

func newXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server only challenges on failure, with a JSON error blob.
	// Respond with an empty line to surface the final NO.
	if c.done {
		return nil, fmt.Errorf("xoauth2: unexpected server challenge: %s", challenge)
	}
	c.done = true
	return []byte{}, nil
}

package inbound

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Steam <noreply@steampowered.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Your Steam account\r\n" +
	"Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n" +
	"Message-Id: <abc123@steampowered.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your Steam Guard code is: 2DWGV\r\n"

const multipartMessage = "From: noreply@steampowered.com\r\n" +
	"To: Me <me@example.com>, other@example.com\r\n" +
	"Subject: =?UTF-8?Q?Steam_Guard_=E2=9C=94?=\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Code: F4KE9\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Code: <b>F4KE9</b></p>\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=x.pdf\r\n" +
	"\r\n" +
	"%PDF\r\n" +
	"--BOUNDARY--\r\n"

func TestParse_Plain(t *testing.T) {
	msg, err := Parse([]byte(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "noreply@steampowered.com", msg.From)
	assert.Equal(t, "Steam <noreply@steampowered.com>", msg.FromText)
	assert.Equal(t, "me@example.com", msg.To)
	assert.Equal(t, "Your Steam account", msg.Subject)
	assert.Equal(t, "abc123@steampowered.com", msg.ID)
	assert.True(t, msg.Date.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Your Steam Guard code is: 2DWGV\r\n", msg.Text)
	assert.Empty(t, msg.HTML)
	assert.Equal(t, int64(len(plainMessage)), msg.Size)
	assert.Equal(t, Hash([]byte(plainMessage)), msg.Hash)
	assert.Equal(t, []string{"Your Steam account"}, msg.Headers["Subject"])
}

func TestParse_Multipart(t *testing.T) {
	msg, err := Parse([]byte(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "noreply@steampowered.com", msg.FromText)
	assert.Equal(t, "Me <me@example.com>, other@example.com", msg.To)
	assert.Equal(t, "Steam Guard ✔", msg.Subject)
	assert.True(t, strings.HasPrefix(msg.Text, "Code: F4KE9"))
	assert.Contains(t, msg.HTML, "<b>F4KE9</b>")
	assert.True(t, msg.Date.IsZero())
}

func TestParse_MissingFrom(t *testing.T) {
	msg, err := Parse([]byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Empty(t, msg.From)
	assert.Equal(t, "body\r\n", msg.Text)
}

func TestHash_Stable(t *testing.T) {
	assert.Equal(t, Hash([]byte("a")), Hash([]byte("a")))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

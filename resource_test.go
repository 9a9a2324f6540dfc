package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLBuilderNilIsSafe(t *testing.T) {
	var b *URLBuilder
	require.Nil(t, b.MailSelf("abc"))
	require.Nil(t, b.AttachmentSelf("abc", 0))
}

func TestNewURLBuilderHonorsForwardedProto(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/mail/abc", nil)
	r.Host = "archive.example"
	r.Header.Set("X-Forwarded-Proto", "https")

	b := NewURLBuilder(r)
	self := b.MailSelf("abc")
	require.NotNil(t, self)
	require.Equal(t, "https://archive.example/mail/abc", *self)
}

func TestMailResourceWireAliases(t *testing.T) {
	name := "Alice"
	subject := "hi"
	resource := MailResource{
		ID:        "abc",
		From:      []Target{{Name: &name, AddrSpec: "alice@example.com"}},
		ReplyTo:   []Target{{AddrSpec: "reply@example.com"}},
		InReplyTo: []string{"earlier@example.com"},
		Subject:   &subject,
	}

	data, err := json.Marshal(resource)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "reply-to")
	require.Contains(t, raw, "in-reply-to")
	require.NotContains(t, raw, "replyTo")
	require.NotContains(t, raw, "inReplyTo")
}

func TestMailResourceAbsentListsSerializeNull(t *testing.T) {
	resource := MailResource{ID: "abc"}
	data, err := json.Marshal(resource)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Nil(t, raw["from"])
	require.Nil(t, raw["cc"])
}

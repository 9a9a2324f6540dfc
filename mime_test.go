package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const simpleMessage = "Message-ID: <abc@example.com>\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello world\r\n"

func TestLoadMailRecordSimpleMessage(t *testing.T) {
	rec, attachments, err := LoadMailRecord([]byte(simpleMessage))
	require.NoError(t, err)
	require.Equal(t, "abc@example.com", rec.ID)
	require.Equal(t, "hello world", rec.Text)
	require.Empty(t, attachments)
}

func TestLoadMailRecordMissingDateIsParseError(t *testing.T) {
	msg := strings.Replace(simpleMessage, "Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n", "", 1)
	_, _, err := LoadMailRecord([]byte(msg))
	require.Error(t, err)

	var aerr *archiverError
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, KindParseError, aerr.kind)
}

func TestSniffArbitraryBytesGivesNonEmptyType(t *testing.T) {
	// Binary garbage with no recognizable signature: mimetype.Detect
	// always returns a best-effort guess (often
	// application/octet-stream), so sniff should still report ok=true;
	// this test only pins down that sniff never panics on arbitrary
	// bytes and always returns a non-empty type when ok.
	typ, _, ok := sniff([]byte{0x00, 0x01, 0x02, 0xff, 0xfe})
	if ok {
		require.NotEmpty(t, typ)
	}
}

func TestMIMEFallbackTextDiffScenario(t *testing.T) {
	// An application/octet-stream part whose sniffer returns
	// text/x-diff; charset=utf-8 and whose body decodes as UTF-8 must be
	// stored with type=text/x-diff, code=utf-8, data=original bytes.
	diff := []byte("--- a/foo\n+++ b/foo\n@@ -1 +1 @@\n-old\n+new\n")
	part := scrubbedPart{Number: 0, Type: "application/octet-stream", Data: diff}
	result := finalizeAttachment("msg@example.com", part)

	require.Equal(t, diff, result.Data)
	require.Equal(t, "text/x-diff", result.Type)
	require.NotNil(t, result.Code)
	require.Equal(t, "utf-8", *result.Code)
}

func TestDecodeTextUTF8Passthrough(t *testing.T) {
	data, ok := decodeText([]byte("hello"), "utf-8")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

func TestDecodeTextInvalidUTF8Fails(t *testing.T) {
	_, ok := decodeText([]byte{0xff, 0xfe, 0xfd}, "utf-8")
	require.False(t, ok)
}

func TestTokenList(t *testing.T) {
	require.Equal(t, []string{"a@example.com", "b@example.com"},
		tokenList("<a@example.com> <b@example.com>"))
	require.Nil(t, tokenList(""))
}

func TestUnquoteToken(t *testing.T) {
	require.Equal(t, "a@example.com", unquoteToken("<a@example.com>"))
	require.Equal(t, `say "hi"`, unquoteToken(`"say \"hi\""`))
	require.Equal(t, "bare", unquoteToken("bare"))
}

func TestLoadMailResourceAddressDedup(t *testing.T) {
	msg := "Message-ID: <dedup@example.com>\r\n" +
		"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
		"From: Alice <alice@example.com>, Alice <alice@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n"

	rec, attachments, err := LoadMailRecord([]byte(msg))
	require.NoError(t, err)

	full := MailWithAttachments{MailData: rec, Attachments: toMeta(attachments)}
	resource, err := LoadMailResource(full, nil)
	require.NoError(t, err)
	require.Len(t, resource.From, 1)
	require.Nil(t, resource.Self)
}

func toMeta(full []AttachmentFull) []AttachmentMeta {
	out := make([]AttachmentMeta, 0, len(full))
	for _, f := range full {
		out = append(out, f.AttachmentMeta)
	}
	return out
}

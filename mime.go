package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
)

// errDuplicateAttachmentNumber guards an invariant the scrubber is
// assumed but never required to uphold (unique part numbers per mail);
// ingest rejects a duplicate outright rather than silently overwriting
// an earlier part.
func errDuplicateAttachmentNumber(number int) error {
	return fmt.Errorf("duplicate attachment number %d", number)
}

// LoadMailRecord parses the raw bytes of an RFC 5322 message into a
// MailData row and its AttachmentFull children.
func LoadMailRecord(origin []byte) (MailData, []AttachmentFull, error) {
	mr, err := mail.CreateReader(bytes.NewReader(origin))
	if err != nil {
		return MailData{}, nil, newError(KindParseError, err)
	}
	header := mr.Header
	mr.Close()

	id, ok, err := header.MessageID()
	if err != nil || !ok {
		return MailData{}, nil, newError(KindParseError, err)
	}
	id = unquoteToken(id)

	date, err := header.Date()
	if err != nil {
		// Date is assumed always present and parseable; reject ingest
		// outright when it isn't rather than falling back to now().
		return MailData{}, nil, newError(KindParseError, err)
	}

	text, parts, err := scrub(origin)
	if err != nil {
		return MailData{}, nil, newError(KindParseError, err)
	}

	seen := make(map[int]bool, len(parts))
	attachments := make([]AttachmentFull, 0, len(parts))
	for _, part := range parts {
		if seen[part.Number] {
			return MailData{}, nil, newError(KindParseError,
				errDuplicateAttachmentNumber(part.Number))
		}
		seen[part.Number] = true

		attachments = append(attachments, finalizeAttachment(id, part))
	}

	rec := MailData{
		MailCore: MailCore{ID: id, Date: date, Text: text},
		Data:     append([]byte(nil), origin...),
	}
	return rec, attachments, nil
}

// finalizeAttachment applies the sniff/decode/re-encode rules to a
// single scrubbed part.
func finalizeAttachment(mailID string, part scrubbedPart) AttachmentFull {
	typ, code, data := part.Type, part.Code, part.Data

	// 1. Sniff application/octet-stream and text/plain declared types.
	if typ == "application/octet-stream" || typ == "text/plain" {
		if sniffType, sniffCode, ok := sniff(data); ok {
			typ, code = sniffType, sniffCode
		}
	}

	// 2-3. If the resulting type is textual, try to decode (and, on
	// success, re-encode as UTF-8, forcing code="utf-8").
	if strings.HasPrefix(typ, "text/") {
		if decoded, ok := decodeText(data, code); ok {
			data = decoded
			code = "utf-8"
		}
	}

	a := AttachmentFull{
		AttachmentMeta: AttachmentMeta{
			MailID: mailID,
			Number: part.Number,
			Type:   typ,
		},
		Data: data,
	}
	if part.Name != "" {
		name := part.Name
		a.Name = &name
	}
	if strings.HasPrefix(typ, "text/") && code != "" {
		c := code
		a.Code = &c
	}
	return a
}

// sniff recovers (type, charset) from payload by content-sniffing.
// Failures are not fatal — the caller keeps the declared values.
func sniff(data []byte) (typ string, charset string, ok bool) {
	mt := mimetype.Detect(data)
	if mt == nil {
		return "", "", false
	}
	s := mt.String() // e.g. "text/x-diff; charset=utf-8"
	fields := strings.Split(s, ";")
	typ = strings.TrimSpace(fields[0])
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if after, found := strings.CutPrefix(f, "charset="); found {
			charset = strings.ToLower(strings.TrimSpace(after))
		}
	}
	if typ == "" {
		return "", "", false
	}
	return typ, charset, true
}

// decodeText attempts to decode data using the named charset (default
// utf-8), returning UTF-8 bytes on success. A decode failure is not
// fatal; the caller keeps the original bytes and declared charset.
func decodeText(data []byte, code string) ([]byte, bool) {
	if code == "" {
		code = "utf-8"
	}
	if strings.EqualFold(code, "utf-8") || strings.EqualFold(code, "us-ascii") {
		if utf8.Valid(data) {
			return data, true
		}
		return nil, false
	}

	r, err := charset.Reader(code, bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	decoded, err := readAllLimited(r)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// LoadMailResource re-parses a stored Mail's headers and builds the
// wire resource for it. builder resolves "self" links; pass nil when
// no request is active.
func LoadMailResource(mail MailWithAttachments, builder *URLBuilder) (MailResource, error) {
	header, err := parseMailHeader(mail.Data)
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}

	from, err := addressTargets(header, "From")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}
	sender, err := singleAddressTarget(header, "Sender")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}
	replyTo, err := addressTargets(header, "Reply-To")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}
	to, err := addressTargets(header, "To")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}
	cc, err := addressTargets(header, "Cc")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}
	bcc, err := addressTargets(header, "Bcc")
	if err != nil {
		return MailResource{}, newError(KindParseError, err)
	}

	inReplyTo := tokenList(header.Get("In-Reply-To"))
	references := tokenList(header.Get("References"))

	var subject *string
	if s, err := header.Text("Subject"); err == nil && header.Has("Subject") {
		s = strings.TrimSpace(s)
		subject = &s
	}

	resources := make([]AttachmentResource, 0, len(mail.Attachments))
	for _, a := range mail.Attachments {
		resources = append(resources, AttachmentResource{
			Self:   builder.AttachmentSelf(mail.ID, a.Number),
			Name:   a.Name,
			Number: a.Number,
			Type:   a.Type,
			Code:   a.Code,
		})
	}

	return MailResource{
		Self:        builder.MailSelf(mail.ID),
		ID:          mail.ID,
		Date:        mail.Date,
		Text:        mail.Text,
		From:        from,
		Sender:      sender,
		ReplyTo:     replyTo,
		To:          to,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     subject,
		InReplyTo:   inReplyTo,
		References:  references,
		Attachments: resources,
	}, nil
}

// addressTargets reads an address-list header, de-duplicating targets
// while preserving first-occurrence order. Returns nil if the header
// is absent, so that an absent header serializes as null rather than [].
func addressTargets(header *mail.Header, key string) ([]Target, error) {
	if !header.Has(key) {
		return nil, nil
	}
	addrs, err := header.AddressList(key)
	if err != nil {
		return nil, err
	}
	result := make([]Target, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		key := addr.Name + "\x00" + addr.Address
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, Target{Name: nilIfEmpty(addr.Name), AddrSpec: addr.Address})
	}
	return result, nil
}

// singleAddressTarget reads a header expected to carry one address.
func singleAddressTarget(header *mail.Header, key string) (*Target, error) {
	if !header.Has(key) {
		return nil, nil
	}
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil, err
	}
	return &Target{Name: nilIfEmpty(addrs[0].Name), AddrSpec: addrs[0].Address}, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// tokenList whitespace-splits a header value, unquoting each token,
// preserving order. Returns nil for an absent/empty header.
func tokenList(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, unquoteToken(f))
	}
	return out
}

// unquoteToken mirrors Python's email.utils.unquote: if the whole
// token is wrapped in matching angle brackets or quotes, strip them.
func unquoteToken(s string) string {
	if len(s) >= 2 {
		if s[0] == '<' && s[len(s)-1] == '>' {
			return s[1 : len(s)-1]
		}
		if s[0] == '"' && s[len(s)-1] == '"' {
			return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
		}
	}
	return s
}

// parseMailHeader parses only the header of an RFC 5322 message,
// without walking its MIME parts — used by the materialize contract,
// which never needs the body.
func parseMailHeader(data []byte) (*mail.Header, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	header := mr.Header
	mr.Close()
	return &header, nil
}

// readAllLimited caps decoded text at 8 MiB to bound memory use on a
// maliciously large charset-converted attachment.
func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 8<<20))
}

package main

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// scrubbedPart is one MIME part as the scrubber hands it to the
// loader: a (number, name, declared_type, declared_code, payload)
// tuple. Payload is always raw bytes — any further sniffing/decoding
// is mime.go's job, not the scrubber's.
type scrubbedPart struct {
	Number int
	Name   string
	Type   string
	Code   string // "" if absent
	Data   []byte
}

// scrub walks an RFC 5322 message with github.com/emersion/go-message
// and separates it into a plaintext body and an ordered list of parts.
// Every inline text/plain part (or inline part with no Content-Type)
// is joined, newline-separated, into the body; everything else
// (inline non-text/plain parts and attachments) becomes a part,
// numbered in discovery order.
func scrub(raw []byte) (text string, parts []scrubbedPart, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, err
	}
	defer mr.Close()

	var bodyParts []string
	number := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", nil, readErr
			}

			if contentType == "" || contentType == "text/plain" {
				bodyParts = append(bodyParts, string(data))
				continue
			}

			parts = append(parts, scrubbedPart{
				Number: number,
				Type:   contentType,
				Code:   params["charset"],
				Data:   data,
			})
			number++

		case *mail.AttachmentHeader:
			contentType, params, _ := h.ContentType()
			filename, _ := h.Filename()
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return "", nil, readErr
			}

			parts = append(parts, scrubbedPart{
				Number: number,
				Name:   filename,
				Type:   contentType,
				Code:   params["charset"],
				Data:   data,
			})
			number++
		}
	}

	return strings.TrimSpace(strings.Join(bodyParts, "\n")), parts, nil
}

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestMatchEmptyAcceptSelectsFallback(t *testing.T) {
	got := bestMatch("", []string{"text/plain", "application/json"}, "application/json")
	require.Equal(t, "application/json", got)
}

func TestBestMatchExactPreference(t *testing.T) {
	got := bestMatch("text/plain, application/json;q=0.5",
		[]string{"text/plain", "application/json", "message/rfc822"}, "application/json")
	require.Equal(t, "text/plain", got)
}

func TestBestMatchWildcardLosesToSpecific(t *testing.T) {
	got := bestMatch("*/*, text/plain;q=0.9",
		[]string{"application/json", "text/plain"}, "application/json")
	require.Equal(t, "text/plain", got)
}

func TestBestMatchRespectsQZero(t *testing.T) {
	got := bestMatch("application/json;q=0, text/plain",
		[]string{"application/json", "text/plain"}, "application/json")
	require.Equal(t, "text/plain", got)
}

func TestBestMatchNoAcceptableCandidate(t *testing.T) {
	got := bestMatch("application/xml", []string{"text/plain", "application/json"}, "application/json")
	require.Equal(t, "", got)
}

func TestBestMatchAttachmentNativeTypeCandidateList(t *testing.T) {
	// Accept: application/octet-stream selects the octet-stream
	// candidate even though the attachment's native type is listed
	// first.
	accepted := []string{"text/x-diff", "application/json", "text/plain", "application/octet-stream"}
	got := bestMatch("application/octet-stream", accepted, "application/json")
	require.Equal(t, "application/octet-stream", got)
}

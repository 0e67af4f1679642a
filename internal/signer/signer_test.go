package signer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	dErrors "docflow/pkg/domain-errors"
)

func TestStampSignerAppendsSignatureBlock(t *testing.T) {
	s := NewStampSigner()
	input := []byte("%PDF-1.4 original content")

	out, err := s.Sign(input, QRInfo{
		Image:   []byte{0x89, 'P', 'N', 'G'},
		Caption: "Firmado con OTP por:\r\nJuan Pérez",
		X:       10, Y: 10, Width: 40, Height: 40,
	}, &OTPInfo{Mail: "jp***@ucasal.edu.ar", IP: "10.0.0.1", Accuracy: "10m"})

	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, input), "original content must be preserved")
	require.Greater(t, len(out), len(input))
	require.Contains(t, string(out), "docflow-signature-block")
}

func TestStampSignerRejectsNonPDF(t *testing.T) {
	s := NewStampSigner()

	_, err := s.Sign(nil, QRInfo{}, nil)
	require.True(t, dErrors.Is(err, dErrors.CodeBadRequest))

	_, err = s.Sign([]byte("plain text"), QRInfo{}, nil)
	require.True(t, dErrors.Is(err, dErrors.CodeBadRequest))
}

func TestObfuscateMail(t *testing.T) {
	cases := map[string]string{
		"docente@ucasal.edu.ar": "doc***@ucasal.edu.ar",
		"ab@x.com":              "a*@x.com",
		"no-at-sign":            "no-at-sign",
	}
	for in, want := range cases {
		require.Equal(t, want, ObfuscateMail(in))
	}
}
